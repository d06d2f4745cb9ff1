package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/config"
	"github.com/basket/arbiter/internal/debate"
	"github.com/basket/arbiter/internal/gateway"
	"github.com/basket/arbiter/internal/scheduler"
	"github.com/basket/arbiter/internal/source"
	"github.com/basket/arbiter/internal/store"
)

// settlingInvoker completes every debate in one agreeable round.
type settlingInvoker struct{}

func (settlingInvoker) InvokeAgent(_ context.Context, role debate.Role, in debate.RoundInput) (*debate.AgentOutput, error) {
	score := 80.0
	if role == debate.RoleSkeptic {
		score = 74
	}
	return &debate.AgentOutput{Role: role, Round: in.Round, Score: score, Confidence: 0.9}, nil
}

func (settlingInvoker) InvokeSynthesizer(_ context.Context, in debate.SynthesisInput) (*debate.Synthesis, error) {
	return &debate.Synthesis{
		Round:      in.Round,
		Score:      (in.Advocate.Score + in.Skeptic.Score) / 2,
		Confidence: 0.9,
		Rationale:  "both sides agree",
	}, nil
}

const testRoster = `
kinds: [match_score]
entities:
  - {id: cand-1, side: a, revision: r1, profile: "candidate one"}
  - {id: role-1, side: b, revision: r1, profile: "role one"}
`

func apiTestServer(t *testing.T, opts ...func(*gateway.Config)) (*httptest.Server, *store.Store, *scheduler.Scheduler) {
	t.Helper()

	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "roster.yaml")
	if err := writeFile(rosterPath, testRoster); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	src, err := source.NewFileSource(rosterPath)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	eventBus := bus.New()
	st, err := store.Open(filepath.Join(dir, "arbiter.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sched := scheduler.New(cfg, st, src, settlingInvoker{}, eventBus, nil, nil)

	gwCfg := gateway.Config{
		Store:             st,
		Scheduler:         sched,
		Bus:               eventBus,
		ConfigFingerprint: cfg.Fingerprint,
	}
	for _, opt := range opts {
		opt(&gwCfg)
	}
	srv := gateway.New(gwCfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, sched
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o600)
}

func postJSON(t *testing.T, ts *httptest.Server, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitForStatus(t *testing.T, st *store.Store, id string, want debate.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loaded, err := st.GetDebate(context.Background(), id)
		if err == nil && loaded != nil && loaded.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("debate %s never reached %s", id, want)
}

func TestHealthz(t *testing.T) {
	ts, _, _ := apiTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRequestDebate_Lifecycle(t *testing.T) {
	ts, st, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/v1/debates", map[string]string{
		"a_id": "cand-1", "b_id": "role-1", "kind": "match_score",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var outcome struct {
		DebateID string `json:"debate_id"`
		Pending  bool   `json:"pending"`
	}
	decodeBody(t, resp, &outcome)
	if !outcome.Pending || outcome.DebateID == "" {
		t.Fatalf("outcome = %+v, want pending with id", outcome)
	}

	waitForStatus(t, st, outcome.DebateID, debate.StatusCompleted)

	// The same pair now answers 200 from the cache.
	resp = postJSON(t, ts, "/v1/debates", map[string]string{
		"a_id": "cand-1", "b_id": "role-1", "kind": "match_score",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cached request status = %d, want 200", resp.StatusCode)
	}
	var cached struct {
		Cached bool            `json:"cached"`
		Result json.RawMessage `json:"result"`
	}
	decodeBody(t, resp, &cached)
	if !cached.Cached || len(cached.Result) == 0 {
		t.Fatalf("cached outcome = %+v", cached)
	}
}

func TestRequestDebate_RejectsIncompleteBody(t *testing.T) {
	ts, _, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/v1/debates", map[string]string{"a_id": "cand-1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp2, err := http.Post(ts.URL+"/v1/debates", "application/json", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", resp2.StatusCode)
	}
}

func TestGetResult_StateMachine(t *testing.T) {
	ts, st, _ := apiTestServer(t)
	query := "/v1/results?a_id=cand-1&b_id=role-1&kind=match_score"

	resp, err := http.Get(ts.URL + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cold read status = %d, want 404", resp.StatusCode)
	}
	var state struct {
		State string `json:"state"`
	}
	decodeBody(t, resp, &state)
	if state.State != "not_found" {
		t.Fatalf("state = %q, want not_found", state.State)
	}

	// Debate the pair, then the read answers completed with the result.
	reqResp := postJSON(t, ts, "/v1/debates", map[string]string{
		"a_id": "cand-1", "b_id": "role-1", "kind": "match_score",
	})
	var outcome struct {
		DebateID string `json:"debate_id"`
	}
	decodeBody(t, reqResp, &outcome)
	waitForStatus(t, st, outcome.DebateID, debate.StatusCompleted)

	resp, err = http.Get(ts.URL + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var done struct {
		State  string `json:"state"`
		Result *struct {
			Score float64 `json:"score"`
		} `json:"result"`
	}
	decodeBody(t, resp, &done)
	if done.State != "completed" || done.Result == nil {
		t.Fatalf("result read = %+v, want completed with result", done)
	}
	if done.Result.Score != 77 {
		t.Fatalf("score = %g, want synthesized 77", done.Result.Score)
	}
}

func TestGetDebate(t *testing.T) {
	ts, st, _ := apiTestServer(t)
	ctx := context.Background()

	pair := debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"}
	state := debate.NewState(pair, 3)
	if err := st.SaveDebate(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/debates/" + state.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	missing, err := http.Get(ts.URL + "/v1/debates/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestEntityMutated_InvalidatesCache(t *testing.T) {
	ts, st, _ := apiTestServer(t)
	ctx := context.Background()

	pair := debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"}
	key := pair.Fingerprint("r1:r1")
	if err := st.PutCache(ctx, pair, key, debate.Result{Score: 60}, time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp := postJSON(t, ts, "/v1/entities/cand-1/mutated", map[string]string{"revision": "r2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		EntityID    string `json:"entity_id"`
		Invalidated int    `json:"invalidated_entries"`
	}
	decodeBody(t, resp, &body)
	if body.Invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", body.Invalidated)
	}

	// The ack means the stale entry is already gone.
	if entry, _ := st.GetCache(ctx, key); entry != nil {
		t.Fatal("stale cache entry survived the mutation ack")
	}
}

func TestGetResult_StaleAfterMutation(t *testing.T) {
	ts, st, _ := apiTestServer(t)
	ctx := context.Background()
	query := "/v1/results?a_id=cand-1&b_id=role-1&kind=match_score"

	// A finished debate with its cached result, scored before the mutation.
	pair := debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"}
	state := debate.NewState(pair, 3)
	state.Status = debate.StatusCompleted
	state.Round = 1
	state.Result = &debate.Result{Score: 42}
	if err := st.SaveDebate(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	key := pair.Fingerprint("r1:r1")
	if err := st.PutCache(ctx, pair, key, debate.Result{Score: 42}, time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := http.Get(ts.URL + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var before struct {
		State  string `json:"state"`
		Result *struct {
			Score float64 `json:"score"`
		} `json:"result"`
	}
	decodeBody(t, resp, &before)
	if before.State != "completed" || before.Result == nil || before.Result.Score != 42 {
		t.Fatalf("pre-mutation read = %+v, want completed with score 42", before)
	}

	mut := postJSON(t, ts, "/v1/entities/cand-1/mutated", map[string]string{"revision": "r2"})
	if mut.StatusCode != http.StatusOK {
		t.Fatalf("mutation status = %d, want 200", mut.StatusCode)
	}
	mut.Body.Close()

	// The invalidation ack means the old score can never be read again.
	resp, err = http.Get(ts.URL + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post-mutation status = %d, want 404", resp.StatusCode)
	}
	var after struct {
		State  string          `json:"state"`
		Result json.RawMessage `json:"result"`
	}
	decodeBody(t, resp, &after)
	if after.State != "not_found" {
		t.Fatalf("post-mutation state = %q, want not_found", after.State)
	}
	if len(after.Result) != 0 {
		t.Fatalf("post-mutation read leaked a result: %s", after.Result)
	}
}

func TestEscalations_ResolveFlow(t *testing.T) {
	ts, st, _ := apiTestServer(t)
	ctx := context.Background()

	state := escalatedState(t)
	if err := st.SaveDebate(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.CreateEscalation(ctx, state); err != nil {
		t.Fatalf("create escalation: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/escalations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var list struct {
		Escalations []struct {
			ID       string `json:"id"`
			DebateID string `json:"debate_id"`
			Status   string `json:"status"`
		} `json:"escalations"`
	}
	decodeBody(t, resp, &list)
	if len(list.Escalations) != 1 || list.Escalations[0].Status != "open" {
		t.Fatalf("escalations = %+v, want one open", list.Escalations)
	}
	escID := list.Escalations[0].ID

	resp = postJSON(t, ts, "/v1/escalations/"+escID+"/resolve", map[string]string{"decision": "resolved"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", resp.StatusCode)
	}

	// A second resolve conflicts; the record is terminal.
	resp = postJSON(t, ts, "/v1/escalations/"+escID+"/resolve", map[string]string{"decision": "dismissed"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-resolve status = %d, want 409", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/v1/escalations/"+escID+"/resolve", map[string]string{"decision": "shrug"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status = %d, want 400", resp.StatusCode)
	}
}

func TestRunCycleEndpoint(t *testing.T) {
	ts, st, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/v1/cycles", map[string]string{"mode": "full"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// The background cycle settles the roster's single pair.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list, err := st.ListDebates(context.Background(), string(debate.StatusCompleted), 0)
		if err == nil && len(list) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = postJSON(t, ts, "/v1/cycles", map[string]string{"mode": "hourly"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, _ := apiTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		InFlight          int    `json:"in_flight"`
		CacheEntries      int    `json:"cache_entries"`
		OpenEscalations   int    `json:"open_escalations"`
		ConfigFingerprint string `json:"config_fingerprint"`
	}
	decodeBody(t, resp, &body)
	if body.ConfigFingerprint == "" {
		t.Error("config_fingerprint missing from status")
	}
	if body.InFlight != 0 || body.CacheEntries != 0 || body.OpenEscalations != 0 {
		t.Errorf("fresh daemon status = %+v, want zeros", body)
	}
}

func TestAuth_BearerToken(t *testing.T) {
	ts, _, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.AuthToken = "sekrit"
	})

	// Health stays open.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	// No token.
	resp, err = http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest("GET", ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong-token status = %d, want 403", resp.StatusCode)
	}

	// Correct token.
	req, _ = http.NewRequest("GET", ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good-token status = %d, want 200", resp.StatusCode)
	}

	// Query-param token, the websocket path.
	resp, err = http.Get(ts.URL + "/v1/status?token=sekrit")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query-token status = %d, want 200", resp.StatusCode)
	}
}

// escalatedState builds a terminal escalated debate for fixture use.
func escalatedState(t *testing.T) *debate.State {
	t.Helper()
	pair := debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"}
	st := debate.NewState(pair, 3)
	st.Status = debate.StatusEscalated
	st.Round = 3
	st.Escalation = &debate.EscalationSignal{
		Reason: fmt.Sprintf("max rounds exceeded, disagreement = %g", 35.0),
		Round:  3,
	}
	return st
}

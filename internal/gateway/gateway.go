// Package gateway exposes the daemon's HTTP surface: on-demand debate
// requests, result reads, escalation review, entity mutation ingest, and
// a websocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/basket/arbiter/internal/audit"
	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/debate"
	"github.com/basket/arbiter/internal/metrics"
	"github.com/basket/arbiter/internal/scheduler"
	"github.com/basket/arbiter/internal/store"
)

// Config holds the gateway's dependencies.
type Config struct {
	Listen string

	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Recorder  *metrics.Recorder
	Logger    *slog.Logger

	// AuthToken enables bearer auth when non-empty.
	AuthToken string

	// ConfigFingerprint is the hash of the active config, exposed in the
	// status payload so operators can confirm a reload took effect.
	ConfigFingerprint func() string
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("POST /v1/debates", s.handleRequestDebate)
	mux.HandleFunc("GET /v1/debates", s.handleListDebates)
	mux.HandleFunc("GET /v1/debates/{id}", s.handleGetDebate)
	mux.HandleFunc("GET /v1/results", s.handleGetResult)

	mux.HandleFunc("POST /v1/entities/{id}/mutated", s.handleEntityMutated)

	mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	mux.HandleFunc("GET /v1/escalations/{id}", s.handleGetEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleResolveEscalation)

	mux.HandleFunc("POST /v1/cycles", s.handleRunCycle)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	handler := s.instrument(s.authenticate(mux))
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	tracer := otel.Tracer(metrics.TracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := metrics.StartServerSpan(r.Context(), tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		started := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.cfg.Recorder.Request(ctx, r.URL.Path, time.Since(started))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.CountDebatesByStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cacheTotal, cacheExpired, err := s.cfg.Store.CacheStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	openEsc, err := s.cfg.Store.OpenEscalationCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]interface{}{
		"debates":                 counts,
		"in_flight":               s.cfg.Scheduler.InFlight(),
		"cache_entries":           cacheTotal,
		"cache_expired":           cacheExpired,
		"open_escalations":        openEsc,
		"escalations_since_start": audit.EscalationCount(),
	}
	if s.cfg.ConfigFingerprint != nil {
		payload["config_fingerprint"] = s.cfg.ConfigFingerprint()
	}
	writeJSON(w, http.StatusOK, payload)
}

type debateRequest struct {
	AID  string `json:"a_id"`
	BID  string `json:"b_id"`
	Kind string `json:"kind"`
}

func (req debateRequest) pair() (debate.EntityPair, error) {
	if req.AID == "" || req.BID == "" || req.Kind == "" {
		return debate.EntityPair{}, fmt.Errorf("a_id, b_id, and kind are required")
	}
	return debate.EntityPair{AID: req.AID, BID: req.BID, Kind: debate.Kind(req.Kind)}, nil
}

func (s *Server) handleRequestDebate(w http.ResponseWriter, r *http.Request) {
	var req debateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, err := req.pair()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.cfg.Scheduler.Request(r.Context(), pair)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusAccepted
	if outcome.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleListDebates(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.cfg.Store.ListDebates(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"debates": list})
}

func (s *Server) handleGetDebate(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.GetDebate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "debate not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetResult answers "what is the current decision for this pair":
// completed with the result, pending while a debate runs, or not_found.
// Completed answers come only from a currently valid cache entry, keyed by
// the pair's present input revisions. A result whose entry was dropped by an
// entity mutation is stale and reports not_found until a fresh debate lands.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := debateRequest{AID: q.Get("a_id"), BID: q.Get("b_id"), Kind: q.Get("kind")}
	pair, err := req.pair()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.cfg.Scheduler.Lookup(r.Context(), pair)
	if err != nil {
		// Unknown entities and cache read failures both fall through to
		// the debate record so pending and terminal states stay visible.
		s.logger.Debug("result lookup miss", "pair", pair.String(), "error", err)
	}
	if res != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":  "completed",
			"result": res,
		})
		return
	}

	st, err := s.cfg.Store.LatestDebateForPair(r.Context(), pair)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch {
	case st == nil || st.Status == debate.StatusCompleted:
		// A completed record with no valid cache entry means the inputs
		// moved after the debate finished; the old result is not served.
		writeJSON(w, http.StatusNotFound, map[string]string{"state": "not_found"})
	case st.Status.Terminal():
		payload := map[string]interface{}{
			"state":  string(st.Status),
			"rounds": st.Round,
		}
		if st.Escalation != nil {
			payload["reason"] = st.Escalation.Reason
		}
		if st.FailureReason != "" {
			payload["reason"] = st.FailureReason
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":     "pending",
			"debate_id": st.ID,
			"round":     st.Round,
		})
	}
}

// handleEntityMutated is the push-invalidation ingest: the entity store
// calls it on profile changes. The 200 is sent only after the cache rows
// are gone, so a caller that re-reads immediately cannot see stale data.
func (s *Server) handleEntityMutated(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")
	var body struct {
		Revision string `json:"revision"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	dropped, err := s.cfg.Store.RecordEntityMutation(r.Context(), entityID, body.Revision)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":           entityID,
		"invalidated_entries": dropped,
	})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "open"
	}
	if status == "all" {
		status = ""
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.cfg.Store.ListEscalations(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": list})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.GetEscalation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decision := strings.ToLower(strings.TrimSpace(body.Decision))

	ok, err := s.cfg.Store.ResolveEscalation(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "escalation not open")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"escalation_id": r.PathValue("id"),
		"decision":      decision,
	})
}

// handleRunCycle triggers a batch cycle in the background and answers 202
// immediately; progress lands on the event stream and the audit log.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Mode != scheduler.ModeFull && body.Mode != scheduler.ModeIncremental {
		writeError(w, http.StatusBadRequest, "mode must be \"full\" or \"incremental\"")
		return
	}

	go func() {
		if _, err := s.cfg.Scheduler.RunCycle(context.Background(), body.Mode); err != nil {
			s.logger.Error("requested cycle failed", "mode", body.Mode, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"mode": body.Mode, "state": "started"})
}

package invoker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/arbiter/internal/debate"
	"github.com/basket/arbiter/internal/provider"
)

// fakeCompleter returns scripted responses or errors per call.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	requests  []provider.Request
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(_ context.Context, req provider.Request) (*provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := f.responses[len(f.responses)-1]
	if i < len(f.responses) {
		text = f.responses[i]
	}
	return &provider.Completion{
		Text:  text,
		Usage: provider.Usage{PromptTokens: 100, CompletionTokens: 40},
	}, nil
}

func newTestInvoker(t *testing.T, completer provider.Completer) *Invoker {
	t.Helper()
	inv, err := New(completer, Options{
		RetryCount:   3,
		RetryBackoff: time.Millisecond,
		CallTimeout:  time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	return inv
}

func roundInput() debate.RoundInput {
	return debate.RoundInput{
		Pair:     debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"},
		ProfileA: "profile a",
		ProfileB: "profile b",
		Round:    1,
	}
}

func TestInvokeAgent_ValidOutput(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		`{"score": 78, "confidence": 0.9, "evidence": ["strong overlap"]}`,
	}}
	inv := newTestInvoker(t, fc)

	out, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Score != 78 || out.Confidence != 0.9 {
		t.Fatalf("decoded score=%g confidence=%g, want 78 and 0.9", out.Score, out.Confidence)
	}
	if out.Role != debate.RoleAdvocate || out.Round != 1 {
		t.Fatalf("stamped role=%s round=%d, want advocate round 1", out.Role, out.Round)
	}
	if out.PromptTokens != 100 || out.CompletionTokens != 40 {
		t.Fatalf("token accounting %d/%d, want 100/40", out.PromptTokens, out.CompletionTokens)
	}
}

func TestInvokeAgent_FencedJSONAccepted(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		"Here is my assessment:\n```json\n{\"score\": 55, \"confidence\": 0.7}\n```\n",
	}}
	inv := newTestInvoker(t, fc)

	out, err := inv.InvokeAgent(context.Background(), debate.RoleSkeptic, roundInput())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Score != 55 {
		t.Fatalf("score = %g, want 55", out.Score)
	}
}

func TestInvokeAgent_SchemaViolationNotRetried(t *testing.T) {
	// Score out of range; the payload is rejected without coercion and
	// without a second call.
	fc := &fakeCompleter{responses: []string{
		`{"score": 150, "confidence": 0.9}`,
	}}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("err = %v, want SchemaValidationError", err)
	}
	if fc.calls != 1 {
		t.Fatalf("completer called %d times, want 1 (no retry on schema failure)", fc.calls)
	}
}

func TestInvokeAgent_MissingRequiredField(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		`{"score": 70}`,
	}}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("err = %v, want SchemaValidationError for missing confidence", err)
	}
}

func TestInvokeAgent_NonJSONResponse(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"I think this is a great match!"}}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("err = %v, want SchemaValidationError for prose response", err)
	}
}

func TestInvokeAgent_TransientErrorRetried(t *testing.T) {
	rateLimited := &provider.Error{
		Class:    provider.ErrorClassRateLimit,
		Provider: "fake",
		Err:      errors.New("429 too many requests"),
	}
	fc := &fakeCompleter{
		errs:      []error{rateLimited, rateLimited},
		responses: []string{"", "", `{"score": 60, "confidence": 0.8}`},
	}
	inv := newTestInvoker(t, fc)

	out, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	if err != nil {
		t.Fatalf("invoke after retries: %v", err)
	}
	if out.Score != 60 {
		t.Fatalf("score = %g, want 60", out.Score)
	}
	if fc.calls != 3 {
		t.Fatalf("completer called %d times, want 3", fc.calls)
	}
}

func TestInvokeAgent_PermanentErrorNotRetried(t *testing.T) {
	authErr := &provider.Error{
		Class:    provider.ErrorClassAuth,
		Provider: "fake",
		Err:      errors.New("401 unauthorized"),
	}
	fc := &fakeCompleter{errs: []error{authErr}, responses: []string{""}}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Class != provider.ErrorClassAuth {
		t.Fatalf("err = %v, want wrapped auth provider error", err)
	}
	if fc.calls != 1 {
		t.Fatalf("completer called %d times, want 1 (no retry on auth failure)", fc.calls)
	}
}

func TestInvokeAgent_RetriesExhausted(t *testing.T) {
	timeout := &provider.Error{
		Class:    provider.ErrorClassTimeout,
		Provider: "fake",
		Err:      errors.New("deadline exceeded"),
	}
	fc := &fakeCompleter{
		errs:      []error{timeout, timeout, timeout, timeout},
		responses: []string{""},
	}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, roundInput())
	if err == nil {
		t.Fatal("expected exhausted retries to surface the provider error")
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Class != provider.ErrorClassTimeout {
		t.Fatalf("err = %v, want the last timeout error", err)
	}
	// First attempt plus RetryCount retries.
	if fc.calls != 4 {
		t.Fatalf("completer called %d times, want 4", fc.calls)
	}
}

func TestInvokeAgent_CrossFeedbackInPrompt(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"score": 60, "confidence": 0.8}`}}
	inv := newTestInvoker(t, fc)

	in := roundInput()
	in.Round = 2
	in.CrossFeedback = &debate.AgentOutput{
		Role:       debate.RoleSkeptic,
		Round:      1,
		Score:      40,
		Confidence: 0.9,
		Concerns:   []string{"stale references"},
	}
	if _, err := inv.InvokeAgent(context.Background(), debate.RoleAdvocate, in); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	prompt := fc.requests[0].Prompt
	if !strings.Contains(prompt, "stale references") {
		t.Fatalf("prompt should carry the opposing concerns, got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "independently") {
		t.Fatalf("prompt should instruct independent re-reasoning, got:\n%s", prompt)
	}
}

func TestInvokeSynthesizer_ValidOutput(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		`{"score": 66, "confidence": 0.82, "rationale": "both positions supported", "talking_points": ["overlap"]}`,
	}}
	inv := newTestInvoker(t, fc)

	syn, err := inv.InvokeSynthesizer(context.Background(), debate.SynthesisInput{
		Pair:     debate.EntityPair{AID: "cand-1", BID: "role-1", Kind: "match_score"},
		Round:    1,
		Advocate: debate.AgentOutput{Role: debate.RoleAdvocate, Score: 78, Confidence: 0.9},
		Skeptic:  debate.AgentOutput{Role: debate.RoleSkeptic, Score: 52, Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if syn.Score != 66 || syn.Rationale == "" {
		t.Fatalf("synthesis %+v missing fields", syn)
	}
	if syn.Round != 1 {
		t.Fatalf("synthesis round = %d, want 1", syn.Round)
	}
}

func TestInvokeSynthesizer_MissingRationaleRejected(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"score": 66, "confidence": 0.82}`}}
	inv := newTestInvoker(t, fc)

	_, err := inv.InvokeSynthesizer(context.Background(), debate.SynthesisInput{Round: 1})
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("err = %v, want SchemaValidationError for missing rationale", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"raw object", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"generic fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose wrapped", `The answer: {"a": 1} as requested.`, `{"a": 1}`},
		{"nested braces in string", `{"a": "close } brace"}`, `{"a": "close } brace"}`},
		{"no json", "plain prose only", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Fatalf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

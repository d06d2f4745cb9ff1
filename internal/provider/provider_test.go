package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorClass
	}{
		{"401 unauthorized: bad key", ErrorClassAuth},
		{"invalid api key", ErrorClassAuth},
		{"429 too many requests", ErrorClassRateLimit},
		{"rate limit exceeded, retry later", ErrorClassRateLimit},
		{"context deadline exceeded", ErrorClassTimeout},
		{"payment required: billing problem", ErrorClassBilling},
		{"prompt exceeds maximum context length", ErrorClassContextOverflow},
		{"something odd happened", ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
	if got := Classify(nil); got != ErrorClassUnknown {
		t.Errorf("Classify(nil) = %s, want unknown", got)
	}
}

func TestError_Transient(t *testing.T) {
	transient := []ErrorClass{ErrorClassRateLimit, ErrorClassTimeout, ErrorClassUnknown}
	for _, class := range transient {
		e := &Error{Class: class, Err: errors.New("x")}
		if !e.Transient() {
			t.Errorf("class %s should be transient", class)
		}
	}
	permanent := []ErrorClass{ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow}
	for _, class := range permanent {
		e := &Error{Class: class, Err: errors.New("x")}
		if e.Transient() {
			t.Errorf("class %s should be permanent", class)
		}
	}
}

func TestWrap_PreservesExistingClass(t *testing.T) {
	inner := &Error{Class: ErrorClassRateLimit, Provider: "google", Err: errors.New("429")}
	wrapped := Wrap("anthropic", inner)

	var pe *Error
	if !errors.As(wrapped, &pe) {
		t.Fatalf("Wrap lost the typed error: %v", wrapped)
	}
	if pe.Class != ErrorClassRateLimit {
		t.Fatalf("class = %s, want the original rate-limit class", pe.Class)
	}

	// A typed error buried under fmt wrapping must also pass through
	// without being reclassified.
	buried := Wrap("anthropic", fmt.Errorf("call failed: %w", inner))
	pe = nil
	if !errors.As(buried, &pe) || pe.Class != ErrorClassRateLimit {
		t.Fatalf("Wrap reclassified a buried typed error: %v", buried)
	}
}

// stubCompleter fails n times then succeeds.
type stubCompleter struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(_ context.Context, _ Request) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		err := s.err
		if err == nil {
			err = errors.New("stub failure")
		}
		return nil, err
	}
	return &Completion{Text: "ok"}, nil
}

func TestFailover_FallsBackInOrder(t *testing.T) {
	primary := &stubCompleter{failures: 100}
	fb := &stubCompleter{}

	f := NewFailover("primary", primary,
		map[string]Completer{"fallback": fb}, []string{"fallback"}, 5, time.Minute)

	resp, err := f.Complete(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q, want fallback's response", resp.Text)
	}
	if primary.calls != 1 || fb.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d, want 1 and 1", primary.calls, fb.calls)
	}
}

func TestFailover_BreakerTripsAndSkips(t *testing.T) {
	primary := &stubCompleter{failures: 100}
	fb := &stubCompleter{}

	f := NewFailover("primary", primary,
		map[string]Completer{"fallback": fb}, []string{"fallback"}, 2, time.Minute)

	// Two failing rounds trip the primary breaker.
	for i := 0; i < 2; i++ {
		if _, err := f.Complete(context.Background(), Request{}); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	callsBefore := primary.calls

	// Tripped: the primary is skipped entirely.
	if _, err := f.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("complete with tripped primary: %v", err)
	}
	if primary.calls != callsBefore {
		t.Fatalf("primary called while tripped (%d -> %d)", callsBefore, primary.calls)
	}
}

func TestFailover_BreakerResetsAfterCooldown(t *testing.T) {
	primary := &stubCompleter{failures: 1}
	fb := &stubCompleter{}

	f := NewFailover("primary", primary,
		map[string]Completer{"fallback": fb}, []string{"fallback"}, 1, 10*time.Millisecond)

	if _, err := f.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("first round: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: the primary is tried again and now succeeds.
	if _, err := f.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("post-cooldown round: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2 (retried after reset)", primary.calls)
	}
}

func TestFailover_ContextOverflowAborts(t *testing.T) {
	primary := &stubCompleter{failures: 100, err: errors.New("prompt exceeds maximum context length")}
	fb := &stubCompleter{}

	f := NewFailover("primary", primary,
		map[string]Completer{"fallback": fb}, []string{"fallback"}, 5, time.Minute)

	_, err := f.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected context overflow error")
	}
	if !strings.Contains(err.Error(), "context overflow") {
		t.Fatalf("err = %v, want context overflow abort", err)
	}
	if fb.calls != 0 {
		t.Fatal("overflow must not fail over: the prompt is the same everywhere")
	}
}

func TestFailover_AllBackendsFailed(t *testing.T) {
	primary := &stubCompleter{failures: 100}
	fb := &stubCompleter{failures: 100}

	f := NewFailover("primary", primary,
		map[string]Completer{"fallback": fb}, []string{"fallback"}, 5, time.Minute)

	_, err := f.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
	if !strings.Contains(err.Error(), "all backends failed") {
		t.Fatalf("err = %v, want all-backends-failed", err)
	}
}

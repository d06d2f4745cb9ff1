package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// namedCompleter pairs a Completer with a human-readable backend name for
// circuit breaker tracking and logging.
type namedCompleter struct {
	name      string
	completer Completer
}

// circuitBreaker tracks failure counts and trip state for one backend.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Failover wraps a primary Completer with ordered fallbacks and per-backend
// circuit breakers. It implements Completer.
type Failover struct {
	primary   namedCompleter
	fallbacks []namedCompleter
	breakers  map[string]*circuitBreaker

	mu        sync.Mutex
	threshold int           // failures before tripping (default 5)
	cooldown  time.Duration // time before resetting (default 5min)
}

// NewFailover builds a Failover that tries primary first, then each
// fallback in order. A breaker trips after threshold consecutive failures
// and resets after cooldown elapses.
func NewFailover(primaryName string, primary Completer, fallbacks map[string]Completer, order []string, threshold int, cooldown time.Duration) *Failover {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	f := &Failover{
		primary:   namedCompleter{name: primaryName, completer: primary},
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  map[string]*circuitBreaker{primaryName: {}},
	}
	for _, name := range order {
		c, ok := fallbacks[name]
		if !ok {
			continue
		}
		f.fallbacks = append(f.fallbacks, namedCompleter{name: name, completer: c})
		f.breakers[name] = &circuitBreaker{}
	}
	return f
}

// Complete tries the primary backend first. If it fails or its breaker is
// tripped, it walks the fallbacks in order. Context overflow is not worth
// retrying elsewhere since the prompt is the same everywhere.
func (f *Failover) Complete(ctx context.Context, req Request) (*Completion, error) {
	candidates := append([]namedCompleter{f.primary}, f.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if f.isTripped(c.name) {
			slog.Info("failover: skipping tripped backend", "backend", c.name)
			continue
		}

		resp, err := c.completer.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(c.name)
			return resp, nil
		}

		err = Wrap(c.name, err)
		lastErr = err
		f.recordFailure(c.name)

		var pe *Error
		errors.As(err, &pe)
		slog.Warn("failover: backend failed",
			"backend", c.name,
			"error_class", string(pe.Class),
			"error", err,
		)
		if pe.Class == ErrorClassContextOverflow {
			return nil, fmt.Errorf("failover: context overflow from %s: %w", c.name, err)
		}

		if ctx.Err() != nil {
			return nil, Wrap(c.name, ctx.Err())
		}
	}

	if lastErr == nil {
		return nil, &Error{Class: ErrorClassUnknown, Err: fmt.Errorf("failover: all backends tripped")}
	}
	return nil, fmt.Errorf("failover: all backends failed, last error: %w", lastErr)
}

func (f *Failover) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok {
		return false
	}
	if cb.tripped && time.Since(cb.lastFailure) > f.cooldown {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: breaker reset after cooldown", "backend", name)
	}
	return cb.tripped
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		cb.failures = 0
		cb.tripped = false
	}
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok {
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= f.threshold && !cb.tripped {
		cb.tripped = true
		slog.Warn("failover: breaker tripped", "backend", name, "failures", cb.failures)
	}
}

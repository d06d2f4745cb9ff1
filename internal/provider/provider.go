// Package provider abstracts the LLM completion capability behind a small
// structured-output interface, classifies provider failures as transient or
// permanent, and layers circuit-breaker failover across configured backends.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request asks for one schema-constrained completion.
type Request struct {
	System  string
	Prompt  string
	Schema  json.RawMessage // JSON Schema the response must satisfy
	Timeout time.Duration   // per-call deadline; zero uses the completer default
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is a raw provider response; the invoker validates and decodes it.
type Completion struct {
	Text  string
	Usage Usage
}

// Completer is the completion capability consumed by the invoker. A call
// that exceeds its deadline fails with a timeout-class *Error.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ErrorClass categorizes provider failures for retry and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// Error wraps a backend failure with its class. Transient errors are retried
// by the invoker per policy; permanent ones fail the debate immediately.
type Error struct {
	Class    ErrorClass
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Class, e.Err)
	}
	return fmt.Sprintf("provider: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying. Rate limits and
// timeouts clear on their own; unknown errors get the benefit of the doubt
// since the retry budget bounds them anyway.
func (e *Error) Transient() bool {
	switch e.Class {
	case ErrorClassRateLimit, ErrorClassTimeout, ErrorClassUnknown:
		return true
	}
	return false
}

// Wrap classifies err and wraps it as an *Error attributed to name.
// Already-wrapped errors pass through unchanged.
func Wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Class: Classify(err), Provider: name, Err: err}
}

// Classify categorizes a backend error by inspecting its message for known
// patterns, returning the most specific class that matches.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}

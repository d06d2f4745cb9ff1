// Package invoker renders role prompts, requests schema-validated
// structured output from the completion capability, and retries transient
// backend failures with bounded backoff. It is side-effect-free apart from
// the completion calls themselves.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"text/template"
	"time"

	"github.com/basket/arbiter/internal/debate"
	"github.com/basket/arbiter/internal/provider"
)

// Options tunes retry and timeout policy.
type Options struct {
	RetryCount   int           // retries after the first attempt (default 3)
	RetryBackoff time.Duration // base backoff, doubled per attempt (default 2s)
	CallTimeout  time.Duration // per completion call (default 60s)
}

func (o Options) withDefaults() Options {
	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	return o
}

// Invoker calls the completion capability with role prompts and validates
// structured output.
type Invoker struct {
	completer provider.Completer
	opts      Options
	logger    *slog.Logger

	agentSchema *compiledSchema
	synthSchema *compiledSchema

	agentTmpl *template.Template
	synthTmpl *template.Template
}

// New builds an Invoker over the given completer.
func New(completer provider.Completer, opts Options, logger *slog.Logger) (*Invoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	agentSchema, err := compileSchema(agentOutputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}
	synthSchema, err := compileSchema(synthesisSchema)
	if err != nil {
		return nil, fmt.Errorf("compile synthesis schema: %w", err)
	}
	agentTmpl, err := template.New("agent").Parse(agentPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse agent template: %w", err)
	}
	synthTmpl, err := template.New("synthesis").Parse(synthesisPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis template: %w", err)
	}
	return &Invoker{
		completer:   completer,
		opts:        opts.withDefaults(),
		logger:      logger,
		agentSchema: agentSchema,
		synthSchema: synthSchema,
		agentTmpl:   agentTmpl,
		synthTmpl:   synthTmpl,
	}, nil
}

// InvokeAgent runs one opposing agent for one round and returns its
// validated output with token accounting.
func (inv *Invoker) InvokeAgent(ctx context.Context, role debate.Role, rc debate.RoundInput) (*debate.AgentOutput, error) {
	prompt, err := renderTemplate(inv.agentTmpl, agentTemplateData{
		Role:          role,
		Pair:          rc.Pair,
		ProfileA:      rc.ProfileA,
		ProfileB:      rc.ProfileB,
		Round:         rc.Round,
		CrossFeedback: rc.CrossFeedback,
	})
	if err != nil {
		return nil, fmt.Errorf("render %s prompt: %w", role, err)
	}

	jsonStr, usage, err := inv.complete(ctx, string(role), systemPromptForRole(role, rc.Variant), prompt, inv.agentSchema)
	if err != nil {
		return nil, err
	}

	var out debate.AgentOutput
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, &SchemaValidationError{
			Role:    string(role),
			Message: fmt.Sprintf("decode output: %s", err),
			Raw:     jsonStr,
		}
	}
	out.Role = role
	out.Round = rc.Round
	out.PromptTokens = usage.PromptTokens
	out.CompletionTokens = usage.CompletionTokens
	return &out, nil
}

// InvokeSynthesizer merges the round's opposing outputs into a Synthesis.
func (inv *Invoker) InvokeSynthesizer(ctx context.Context, sc debate.SynthesisInput) (*debate.Synthesis, error) {
	prompt, err := renderTemplate(inv.synthTmpl, sc)
	if err != nil {
		return nil, fmt.Errorf("render synthesis prompt: %w", err)
	}

	jsonStr, _, err := inv.complete(ctx, string(debate.RoleSynthesizer), synthesizerSystemPrompt, prompt, inv.synthSchema)
	if err != nil {
		return nil, err
	}

	var syn debate.Synthesis
	if err := json.Unmarshal([]byte(jsonStr), &syn); err != nil {
		return nil, &SchemaValidationError{
			Role:    string(debate.RoleSynthesizer),
			Message: fmt.Sprintf("decode synthesis: %s", err),
			Raw:     jsonStr,
		}
	}
	syn.Round = sc.Round
	return &syn, nil
}

// complete runs one completion with retry on transient provider errors.
// Schema validation failures are never retried; exhausted retries surface
// the last provider error unchanged so the caller can mark the debate
// failed without a fabricated substitute.
func (inv *Invoker) complete(ctx context.Context, role, system, prompt string, cs *compiledSchema) (string, provider.Usage, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, inv.opts.RetryBackoff, attempt); err != nil {
				return "", provider.Usage{}, err
			}
			inv.logger.Info("retrying completion", "role", role, "attempt", attempt)
		}

		resp, err := inv.completer.Complete(ctx, provider.Request{
			System:  system,
			Prompt:  prompt,
			Schema:  cs.raw,
			Timeout: inv.opts.CallTimeout,
		})
		if err != nil {
			lastErr = err
			var pe *provider.Error
			if errors.As(err, &pe) && pe.Transient() && attempt < inv.opts.RetryCount {
				continue
			}
			return "", provider.Usage{}, fmt.Errorf("complete %s: %w", role, err)
		}

		jsonStr, err := cs.validate(role, resp.Text)
		if err != nil {
			return "", provider.Usage{}, err
		}
		return jsonStr, resp.Usage, nil
	}
	return "", provider.Usage{}, fmt.Errorf("complete %s: retries exhausted: %w", role, lastErr)
}

// sleepBackoff waits base<<(attempt-1) with ±25% jitter, or returns early
// when ctx is done.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << uint(attempt-1)
	const maxDelay = 30 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	delay = delay - delay/4 + jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

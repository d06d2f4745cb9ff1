package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel"

	"github.com/basket/arbiter/internal/metrics"
)

// Config selects and configures one completion backend.
type Config struct {
	// Provider names the backend: "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured backend.
	Model string `yaml:"model"`

	// APIKey overrides the per-provider environment variable.
	APIKey string `yaml:"api_key"`

	// OpenAICompatibleProvider and OpenAICompatibleBaseURL configure the
	// openai_compatible backend (e.g. OpenRouter, local inference).
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// DefaultTimeout is used when a Request carries no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// Genkit is the genkit-backed Completer. One instance per backend; failover
// across backends is layered on top by Failover.
type Genkit struct {
	g       *genkit.Genkit
	name    string
	model   string
	timeout time.Duration
}

// NewGenkit initializes a genkit backend from cfg. Missing API keys are an
// error here rather than a silent degraded mode: the engine must never
// fabricate scores.
func NewGenkit(ctx context.Context, cfg Config) (*Genkit, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(name)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(name)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: no API key configured", name)
	}

	var g *genkit.Genkit
	switch name {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	slog.Info("completion backend initialized", "provider", name, "model", model)
	return &Genkit{g: g, name: name, model: model, timeout: timeout}, nil
}

// Name returns the backend name for breaker tracking.
func (gk *Genkit) Name() string { return gk.name }

// Complete runs one structured generation with a per-call deadline. The
// schema is injected into the system prompt; the invoker validates the
// payload strictly, so prompt-level schema steering is sufficient here.
func (gk *Genkit) Complete(ctx context.Context, req Request) (*Completion, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = gk.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := metrics.StartClientSpan(ctx, otel.Tracer(metrics.TracerName), "llm.complete",
		metrics.AttrProvider.String(gk.name))
	defer span.End()

	system := req.System
	if len(req.Schema) > 0 {
		system += "\n\nRespond with a single JSON object matching this JSON Schema exactly:\n" + string(req.Schema)
	}
	// Escape % so fmt-style interpolation inside genkit cannot corrupt it.
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(gk.name, gk.model)),
		ai.WithSystem(system),
		ai.WithPrompt(req.Prompt),
	}
	if len(req.Schema) > 0 {
		opts = append(opts, ai.WithOutputFormat(ai.OutputFormatJSON))
	}

	resp, err := genkit.Generate(ctx, gk.g, opts...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Class: ErrorClassTimeout, Provider: gk.name, Err: ctx.Err()}
		}
		return nil, Wrap(gk.name, err)
	}

	out := &Completion{Text: resp.Text()}
	if resp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
		span.SetAttributes(
			metrics.AttrTokensInput.Int(out.Usage.PromptTokens),
			metrics.AttrTokensOutput.Int(out.Usage.CompletionTokens),
		)
	}
	return out, nil
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("GEMINI_API_KEY")
	}
}

// Command arbiterd runs the debate orchestration daemon: paired
// adversarial agents scoring entity pairs, a result cache with push
// invalidation, batch cycles, and an HTTP gateway for on-demand debates
// and escalation review.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/arbiter/internal/audit"
	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/config"
	"github.com/basket/arbiter/internal/gateway"
	"github.com/basket/arbiter/internal/invoker"
	"github.com/basket/arbiter/internal/metrics"
	"github.com/basket/arbiter/internal/provider"
	"github.com/basket/arbiter/internal/scheduler"
	"github.com/basket/arbiter/internal/source"
	"github.com/basket/arbiter/internal/store"
	"github.com/basket/arbiter/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	var (
		configPath = flag.String("config", "", "config file path (default: <home>/config.yaml)")
		rosterPath = flag.String("roster", "", "entity roster path (default: <home>/roster.yaml)")
		once       = flag.String("once", "", "run one cycle (full|incremental) and exit")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("arbiterd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *rosterPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "arbiterd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, rosterPath, once string) error {
	home := config.DefaultHomeDir()
	if configPath == "" {
		configPath = filepath.Join(home, "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateCrons(cfg); err != nil {
		return err
	}
	if rosterPath == "" {
		rosterPath = filepath.Join(cfg.HomeDir, "roster.yaml")
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("arbiterd starting", "version", Version, "config", configPath, "fingerprint", cfg.Fingerprint())

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	otelProvider, err := metrics.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	recorder, err := metrics.NewRecorder(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metric instruments: %w", err)
	}

	eventBus := bus.New()

	st, err := store.Open(filepath.Join(cfg.HomeDir, "arbiter.db"), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	completer, err := buildCompleter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	inv, err := invoker.New(completer, invoker.Options{
		RetryCount:   cfg.Debate.RetryCount,
		RetryBackoff: time.Duration(cfg.Debate.RetryBackoffMillis) * time.Millisecond,
		CallTimeout:  time.Duration(cfg.Debate.CallTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("init invoker: %w", err)
	}

	src, err := source.NewFileSource(rosterPath)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	sched := scheduler.New(cfg, st, src, inv, eventBus, recorder, logger)

	if once != "" {
		report, err := sched.RunCycle(ctx, once)
		if err != nil {
			return fmt.Errorf("run %s cycle: %w", once, err)
		}
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	cronLoop, err := scheduler.NewCronLoop(sched, cfg.Scheduler.FullCron, cfg.Scheduler.IncrementalCron, logger)
	if err != nil {
		return fmt.Errorf("init cycle schedules: %w", err)
	}
	cronLoop.Start(ctx)
	defer cronLoop.Stop()

	activeCfg := cfg
	gw := gateway.New(gateway.Config{
		Listen:    cfg.Listen,
		Store:     st,
		Scheduler: sched,
		Bus:       eventBus,
		Recorder:  recorder,
		Logger:    logger,
		AuthToken: cfg.AuthToken(),
		ConfigFingerprint: func() string {
			return activeCfg.Fingerprint()
		},
	})
	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Start() }()

	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return gw.Shutdown(shutdownCtx)
		case err := <-gwErr:
			if err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		case ev := <-watcher.Events():
			reloaded, err := config.Load(ev.Path)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			if err := validateCrons(reloaded); err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			sched.UpdateConfig(reloaded)
			if err := cronLoop.SetSchedules(reloaded.Scheduler.FullCron, reloaded.Scheduler.IncrementalCron); err != nil {
				logger.Error("cycle schedule update rejected", "error", err)
			}
			activeCfg = reloaded
			logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
		}
	}
}

// buildCompleter wires the primary backend plus the configured failover
// chain. A fallback whose key is absent is skipped with a warning rather
// than failing startup; the primary's key is required.
func buildCompleter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Completer, error) {
	timeout := time.Duration(cfg.Debate.CallTimeoutSeconds) * time.Second

	primary, err := provider.NewGenkit(ctx, provider.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLM.APIKey(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		DefaultTimeout:           timeout,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackProviders) == 0 {
		return primary, nil
	}

	fallbacks := make(map[string]provider.Completer, len(cfg.LLM.FallbackProviders))
	var order []string
	for _, name := range cfg.LLM.FallbackProviders {
		fb, err := provider.NewGenkit(ctx, provider.Config{
			Provider:       name,
			DefaultTimeout: timeout,
		})
		if err != nil {
			logger.Warn("fallback provider unavailable", "provider", name, "error", err)
			continue
		}
		fallbacks[name] = fb
		order = append(order, name)
	}

	cooldown := time.Duration(cfg.LLM.FailoverCooldownSeconds) * time.Second
	return provider.NewFailover(primary.Name(), primary, fallbacks, order,
		cfg.LLM.FailoverThreshold, cooldown), nil
}

func validateCrons(cfg *config.Config) error {
	if cfg.Scheduler.FullCron != "" {
		if err := scheduler.ValidateCron(cfg.Scheduler.FullCron); err != nil {
			return fmt.Errorf("full_cycle_cron: %w", err)
		}
	}
	if cfg.Scheduler.IncrementalCron != "" {
		if err := scheduler.ValidateCron(cfg.Scheduler.IncrementalCron); err != nil {
			return fmt.Errorf("incremental_cycle_cron: %w", err)
		}
	}
	return nil
}

// loadDotEnv loads KEY=VALUE lines from a .env file into the process
// environment. Existing variables are not overridden.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

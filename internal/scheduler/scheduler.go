// Package scheduler drives batch debate cycles under a parallelism budget
// and serves on-demand debate requests from the gateway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/basket/arbiter/internal/audit"
	"github.com/basket/arbiter/internal/bus"
	"github.com/basket/arbiter/internal/config"
	"github.com/basket/arbiter/internal/debate"
	"github.com/basket/arbiter/internal/metrics"
	"github.com/basket/arbiter/internal/scoring"
	"github.com/basket/arbiter/internal/store"
)

// Cycle modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// PairSource enumerates debatable entity pairs and supplies their profile
// material. The entity store itself is external; this is its read surface.
type PairSource interface {
	// EnumeratePairs lists every eligible pair for a full cycle.
	EnumeratePairs(ctx context.Context) ([]debate.EntityPair, error)

	// PairsForEntities lists the pairs touching any of the given entities,
	// for incremental cycles driven by the mutation feed.
	PairsForEntities(ctx context.Context, entityIDs []string) ([]debate.EntityPair, error)

	// PairContext loads the profiles and input revision for one pair.
	PairContext(ctx context.Context, pair debate.EntityPair) (debate.PairContext, error)
}

// BatchReport is the outcome of one cycle.
type BatchReport struct {
	Mode       string    `json:"mode"`
	Enumerated int       `json:"enumerated"`
	Scheduled  int       `json:"scheduled"`
	CacheHits  int       `json:"cache_hits"`
	Duplicates int       `json:"duplicates"`
	Succeeded  int       `json:"succeeded"`
	Escalated  int       `json:"escalated"`
	Failed     int       `json:"failed"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

// Scheduler owns the worker pool. One debate per pair runs at a time; a
// pair already in flight is skipped by later cycles and on-demand requests
// attach to the running debate instead of starting a second one.
type Scheduler struct {
	store   *store.Store
	source  PairSource
	invoker debate.Invoker
	bus     *bus.Bus
	rec     *metrics.Recorder
	logger  *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	inflightMu sync.Mutex
	inflight   map[string]string // pair key -> debate id

	cycleMu sync.Mutex // one batch cycle at a time
}

func New(cfg *config.Config, st *store.Store, source PairSource, inv debate.Invoker, eventBus *bus.Bus, rec *metrics.Recorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		source:   source,
		invoker:  inv,
		bus:      eventBus,
		rec:      rec,
		logger:   logger,
		cfg:      cfg,
		inflight: make(map[string]string),
	}
}

// UpdateConfig swaps the active configuration. In-flight debates keep the
// parameters they started with; only new debates see the update.
func (s *Scheduler) UpdateConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Scheduler) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// RunCycle runs one batch cycle to completion. Full cycles enumerate every
// eligible pair; incremental cycles only re-debate pairs touched by the
// mutation feed since the last consumed cursor.
func (s *Scheduler) RunCycle(ctx context.Context, mode string) (*BatchReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := &BatchReport{Mode: mode, Started: time.Now().UTC()}

	var (
		pairs  []debate.EntityPair
		cursor int64
		err    error
	)
	switch mode {
	case ModeFull:
		if pruned, err := s.store.PruneExpiredCache(ctx); err != nil {
			s.logger.Warn("cache prune failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("pruned expired cache entries", "count", pruned)
		}
		pairs, err = s.source.EnumeratePairs(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate pairs: %w", err)
		}
	case ModeIncremental:
		pairs, cursor, err = s.incrementalPairs(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cycle mode %q", mode)
	}
	report.Enumerated = len(pairs)

	cfg := s.config()
	parallelism := cfg.Scheduler.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	ttl := time.Duration(cfg.Scheduler.CacheTTLHours) * time.Hour

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, parallelism)
		seen = make(map[string]struct{}, len(pairs))
	)
	for _, pair := range pairs {
		key := pair.String()
		if _, dup := seen[key]; dup {
			report.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		pc, err := s.source.PairContext(ctx, pair)
		if err != nil {
			s.logger.Error("pair context load failed", "pair", key, "error", err)
			mu.Lock()
			report.Failed++
			mu.Unlock()
			continue
		}

		cacheKey := pair.Fingerprint(pc.InputRev)
		entry, err := s.store.GetCache(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("cache read failed, treating as miss", "pair", key, "error", err)
		}
		if entry != nil {
			report.CacheHits++
			s.rec.CacheHit(ctx)
			continue
		}
		s.rec.CacheMiss(ctx)

		st, acquired := s.acquire(pair)
		if !acquired {
			report.Duplicates++
			continue
		}
		report.Scheduled++

		wg.Add(1)
		go func(pair debate.EntityPair, pc debate.PairContext, st *debate.State) {
			defer wg.Done()
			defer s.release(pair)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			outcome := s.runDebate(ctx, st, pair, pc, ttl)
			mu.Lock()
			switch outcome {
			case debate.StatusCompleted:
				report.Succeeded++
			case debate.StatusEscalated:
				report.Escalated++
			default:
				report.Failed++
			}
			mu.Unlock()
		}(pair, pc, st)
	}
	wg.Wait()
	report.Finished = time.Now().UTC()

	if mode == ModeIncremental && cursor > 0 && ctx.Err() == nil {
		if err := s.store.SetIncrementalCursor(ctx, cursor); err != nil {
			return report, fmt.Errorf("advance incremental cursor: %w", err)
		}
	}

	audit.Record("cycle.completed", "success", mode,
		fmt.Sprintf("enumerated=%d scheduled=%d hits=%d succeeded=%d escalated=%d failed=%d",
			report.Enumerated, report.Scheduled, report.CacheHits,
			report.Succeeded, report.Escalated, report.Failed))
	if s.bus != nil {
		s.bus.Publish(bus.TopicCycleCompleted, *report)
	}
	s.logger.Info("cycle completed",
		"mode", mode,
		"enumerated", report.Enumerated,
		"scheduled", report.Scheduled,
		"cache_hits", report.CacheHits,
		"succeeded", report.Succeeded,
		"escalated", report.Escalated,
		"failed", report.Failed,
		"elapsed", report.Finished.Sub(report.Started),
	)
	return report, nil
}

// incrementalPairs reads the mutation feed past the cursor and maps the
// touched entities back to pairs. The cursor only advances after the cycle
// finishes, so a crashed cycle replays the same changes; debates and cache
// writes are keyed upserts, so the replay converges.
func (s *Scheduler) incrementalPairs(ctx context.Context) ([]debate.EntityPair, int64, error) {
	cursor, err := s.store.IncrementalCursor(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read incremental cursor: %w", err)
	}
	changes, err := s.store.ChangesSince(ctx, cursor)
	if err != nil {
		return nil, 0, fmt.Errorf("read mutation feed: %w", err)
	}
	if len(changes) == 0 {
		return nil, 0, nil
	}

	seen := make(map[string]struct{}, len(changes))
	ids := make([]string, 0, len(changes))
	last := cursor
	for _, c := range changes {
		if c.ID > last {
			last = c.ID
		}
		if _, ok := seen[c.EntityID]; ok {
			continue
		}
		seen[c.EntityID] = struct{}{}
		ids = append(ids, c.EntityID)
	}

	pairs, err := s.source.PairsForEntities(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("map entities to pairs: %w", err)
	}
	return pairs, last, nil
}

// RequestOutcome is the synchronous answer to an on-demand debate request.
type RequestOutcome struct {
	DebateID string         `json:"debate_id,omitempty"`
	Cached   bool           `json:"cached"`
	Pending  bool           `json:"pending"`
	Result   *debate.Result `json:"result,omitempty"`
}

// Request serves an on-demand debate for one pair. A fresh cached result
// answers immediately; a pair already in flight reports the running debate;
// otherwise a new debate starts in the background under the pool budget.
func (s *Scheduler) Request(ctx context.Context, pair debate.EntityPair) (*RequestOutcome, error) {
	pc, err := s.source.PairContext(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("pair context load: %w", err)
	}

	cacheKey := pair.Fingerprint(pc.InputRev)
	entry, err := s.store.GetCache(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("cache read failed, treating as miss", "pair", pair.String(), "error", err)
	}
	if entry != nil {
		s.rec.CacheHit(ctx)
		return &RequestOutcome{Cached: true, Result: &entry.Result}, nil
	}
	s.rec.CacheMiss(ctx)

	st, acquired := s.acquire(pair)
	if !acquired {
		s.inflightMu.Lock()
		id := s.inflight[pair.String()]
		s.inflightMu.Unlock()
		return &RequestOutcome{DebateID: id, Pending: true}, nil
	}

	// Persist the pending record before answering so the id is queryable
	// immediately.
	if err := s.store.SaveDebate(ctx, st); err != nil {
		s.release(pair)
		return nil, fmt.Errorf("persist pending debate: %w", err)
	}

	cfg := s.config()
	ttl := time.Duration(cfg.Scheduler.CacheTTLHours) * time.Hour
	go func() {
		defer s.release(pair)
		// Detached from the request context; the debate outlives the
		// HTTP call that started it.
		s.runDebate(context.Background(), st, pair, pc, ttl)
	}()

	return &RequestOutcome{DebateID: st.ID, Pending: true}, nil
}

// Lookup answers with the currently valid cached result for the pair, keyed
// by the fingerprint of the pair's present input revisions. Returns nil when
// no valid entry exists, including when an entity mutation has invalidated
// an older result.
func (s *Scheduler) Lookup(ctx context.Context, pair debate.EntityPair) (*debate.Result, error) {
	pc, err := s.source.PairContext(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("pair context load: %w", err)
	}
	entry, err := s.store.GetCache(ctx, pair.Fingerprint(pc.InputRev))
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	return &entry.Result, nil
}

// acquire reserves the pair and builds its pending state. Returns false
// when a debate for the pair is already running.
func (s *Scheduler) acquire(pair debate.EntityPair) (*debate.State, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	key := pair.String()
	if _, busy := s.inflight[key]; busy {
		return nil, false
	}
	st := debate.NewState(pair, s.config().DebateParamsFor(string(pair.Kind)).MaxRounds)
	s.inflight[key] = st.ID
	return st, true
}

func (s *Scheduler) release(pair debate.EntityPair) {
	s.inflightMu.Lock()
	delete(s.inflight, pair.String())
	s.inflightMu.Unlock()
}

// InFlight reports the number of debates currently running.
func (s *Scheduler) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// runDebate drives one debate to a terminal status and settles its
// side effects: completed results populate the cache, escalated runs open
// a review record, failed runs touch neither.
func (s *Scheduler) runDebate(ctx context.Context, st *debate.State, pair debate.EntityPair, pc debate.PairContext, ttl time.Duration) debate.Status {
	ctx, span := metrics.StartSpan(ctx, otel.Tracer(metrics.TracerName), "debate.run",
		metrics.AttrDebateID.String(st.ID),
		metrics.AttrPair.String(pair.String()),
		metrics.AttrKind.String(string(pair.Kind)),
	)
	defer func() {
		span.SetAttributes(
			metrics.AttrStatus.String(string(st.Status)),
			metrics.AttrRound.Int(st.Round),
		)
		span.End()
	}()

	cfg := s.config()
	resolved := cfg.DebateParamsFor(string(pair.Kind))
	params := debate.Params{
		MaxRounds:             resolved.MaxRounds,
		DisagreementThreshold: resolved.DisagreementThreshold,
		MinConfidence:         resolved.MinConfidence,
		Aggregation:           scoring.Aggregation(resolved.Aggregation),
		Variants:              resolved.Variants,
	}

	runner, err := debate.NewRunner(s.invoker, params, s.store, s.logger)
	if err != nil {
		s.logger.Error("debate setup rejected", "pair", pair.String(), "error", err)
		return debate.StatusFailed
	}

	started := time.Now()
	runErr := runner.Run(ctx, st, pc)
	elapsed := time.Since(started)

	switch {
	case errors.Is(runErr, debate.ErrCancelled):
		s.logger.Info("debate cancelled between rounds",
			"debate_id", st.ID, "pair", pair.String(), "round", st.Round)
		return st.Status
	case runErr != nil:
		s.rec.DebateSettled(ctx, string(debate.StatusFailed), st.Round, elapsed, 0)
		s.logger.Error("debate failed",
			"debate_id", st.ID, "pair", pair.String(), "error", runErr)
		return debate.StatusFailed
	}

	switch st.Status {
	case debate.StatusCompleted:
		s.rec.DebateSettled(ctx, string(st.Status), st.Round, elapsed, st.Result.TotalTokens)
		if err := s.store.PutCache(ctx, pair, pair.Fingerprint(pc.InputRev), *st.Result, ttl); err != nil {
			s.logger.Error("cache write failed", "pair", pair.String(), "error", err)
		}
	case debate.StatusEscalated:
		s.rec.DebateSettled(ctx, string(st.Status), st.Round, elapsed, 0)
		s.rec.Escalated(ctx)
		if err := s.store.CreateEscalation(ctx, st); err != nil {
			s.logger.Error("escalation record failed", "pair", pair.String(), "error", err)
		}
	}
	return st.Status
}

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCron rejects malformed cycle schedules at config load.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// CronLoop fires batch cycles on their configured schedules. Full and
// incremental cycles share the scheduler's single-cycle lock, so an
// overlap degrades to back-to-back runs rather than concurrent ones.
type CronLoop struct {
	sched    *Scheduler
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	fullExpr string
	incrExpr string
	nextFull time.Time
	nextIncr time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCronLoop(sched *Scheduler, fullExpr, incrExpr string, logger *slog.Logger) (*CronLoop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loop := &CronLoop{
		sched:    sched,
		logger:   logger,
		interval: 30 * time.Second,
	}
	if err := loop.SetSchedules(fullExpr, incrExpr); err != nil {
		return nil, err
	}
	return loop, nil
}

// SetSchedules swaps the cron expressions, recomputing the next fire
// times. Empty expressions disable the corresponding cycle.
func (l *CronLoop) SetSchedules(fullExpr, incrExpr string) error {
	now := time.Now()
	var nextFull, nextIncr time.Time
	if fullExpr != "" {
		sched, err := cronParser.Parse(fullExpr)
		if err != nil {
			return err
		}
		nextFull = sched.Next(now)
	}
	if incrExpr != "" {
		sched, err := cronParser.Parse(incrExpr)
		if err != nil {
			return err
		}
		nextIncr = sched.Next(now)
	}

	l.mu.Lock()
	l.fullExpr, l.incrExpr = fullExpr, incrExpr
	l.nextFull, l.nextIncr = nextFull, nextIncr
	l.mu.Unlock()
	return nil
}

// Start begins the loop in a background goroutine.
func (l *CronLoop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.loop(ctx)
	l.logger.Info("cycle scheduler started", "tick", l.interval)
}

// Stop cancels the loop and waits for it to exit.
func (l *CronLoop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("cycle scheduler stopped")
}

func (l *CronLoop) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick fires every due cycle. A full cycle due at the same tick as an
// incremental one wins; the incremental work is subsumed by it.
func (l *CronLoop) tick(ctx context.Context) {
	now := time.Now()

	l.mu.Lock()
	fireFull := !l.nextFull.IsZero() && !now.Before(l.nextFull)
	fireIncr := !l.nextIncr.IsZero() && !now.Before(l.nextIncr)
	if fireFull {
		sched, _ := cronParser.Parse(l.fullExpr)
		l.nextFull = sched.Next(now)
	}
	if fireIncr {
		sched, _ := cronParser.Parse(l.incrExpr)
		l.nextIncr = sched.Next(now)
	}
	l.mu.Unlock()

	switch {
	case fireFull:
		l.fire(ctx, ModeFull)
	case fireIncr:
		l.fire(ctx, ModeIncremental)
	}
}

func (l *CronLoop) fire(ctx context.Context, mode string) {
	report, err := l.sched.RunCycle(ctx, mode)
	if err != nil {
		l.logger.Error("scheduled cycle failed", "mode", mode, "error", err)
		return
	}
	l.logger.Info("scheduled cycle fired",
		"mode", mode,
		"scheduled", report.Scheduled,
		"cache_hits", report.CacheHits,
	)
}

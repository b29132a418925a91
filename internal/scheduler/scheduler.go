// Package scheduler runs the background goroutines that keep markets moving
// without a user in the loop:
//  1. keeperLoop – resolves matured markets and expires them once the
//     dispute window has passed, every Interval.
//  2. pruneLoop  – drops snapshot cache entries too old to be served.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evetabi/strikemarket/internal/cache"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborators
// ──────────────────────────────────────────────────────────────────────────────

// Source enumerates markets and opens clients on them.
type Source interface {
	ledger.Provider
	ledger.Lister
}

// Pruner is implemented by caches that can drop old entries.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler drives resolution and expiry. Call Start(ctx) once from main();
// cancel the context to shut it down.
type Scheduler struct {
	src      Source
	caller   domain.Participant
	interval time.Duration
	cache    cache.SnapshotCache
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler acting as cfg.Keeper.Caller.
func NewScheduler(src Source, c cache.SnapshotCache, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		src:      src,
		caller:   domain.Participant(cfg.Keeper.Caller),
		interval: cfg.Keeper.Interval,
		cache:    c,
		maxAge:   cfg.Cache.MaxAge,
		now:      time.Now,
		logger:   logger.With("component", "scheduler"),
	}
}

// WithClock replaces the time source; for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the background goroutines. It returns immediately; all
// loops run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.keeperLoop(ctx)
	if _, ok := s.cache.(Pruner); ok {
		go s.pruneLoop(ctx)
	}
	s.logger.Info("scheduler started", "interval", s.interval, "caller", s.caller)
}

// ──────────────────────────────────────────────────────────────────────────────
// keeperLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) keeperLoop(ctx context.Context) {
	defer s.recoverAndLog("keeperLoop")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeperLoop: shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Resolved int
	Expired  int
	Failed   int
}

// Sweep checks every candidate market once and performs whichever
// transition its gates allow. Ledgers that can answer which markets are due
// are asked directly; otherwise every listed market is read. Failures are
// logged and retried on the next sweep; an unavailable oracle leaves the
// market in Bidding.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	ids, err := s.candidates(ctx)
	if err != nil {
		s.logger.Error("keeper: list markets", "err", err)
		return res
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res
		}
		s.sweepOne(ctx, id, &res)
	}
	if res.Resolved+res.Expired+res.Failed > 0 {
		s.logger.Info("keeper sweep", "resolved", res.Resolved, "expired", res.Expired, "failed", res.Failed)
	}
	return res
}

func (s *Scheduler) candidates(ctx context.Context) ([]domain.MarketID, error) {
	if due, ok := s.src.(ledger.DueLister); ok {
		return due.Due(ctx, s.now())
	}
	return s.src.Markets(ctx)
}

func (s *Scheduler) sweepOne(ctx context.Context, id domain.MarketID, res *SweepResult) {
	defer s.recoverAndLog("sweep:" + string(id))

	c, err := s.src.Client(ctx, id, s.caller)
	if err != nil {
		s.logger.Warn("keeper: open client", "market", id, "err", err)
		res.Failed++
		return
	}
	m, _, err := ledger.ReadMarket(ctx, c)
	if err != nil {
		s.logger.Warn("keeper: read market", "market", id, "err", err)
		res.Failed++
		return
	}

	gates := m.Gates(s.now())
	switch {
	case gates.CanResolve:
		if _, err := c.ResolveMarket(ctx); err != nil {
			s.logFailure("resolve", id, err)
			res.Failed++
			return
		}
		res.Resolved++
	case gates.CanExpire:
		if _, err := c.ExpireMarket(ctx); err != nil {
			s.logFailure("expire", id, err)
			res.Failed++
			return
		}
		res.Expired++
	}
}

// logFailure downgrades expected races (someone else moved the market
// first) and oracle outages to warnings.
func (s *Scheduler) logFailure(op string, id domain.MarketID, err error) {
	switch {
	case errors.Is(err, domain.ErrPhaseViolation):
		s.logger.Debug("keeper: market moved concurrently", "op", op, "market", id, "err", err)
	case errors.Is(err, domain.ErrOracleUnavailable), domain.IsRetryable(err):
		s.logger.Warn("keeper: transition deferred", "op", op, "market", id, "err", err)
	default:
		s.logger.Error("keeper: transition failed", "op", op, "market", id, "err", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// pruneLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.recoverAndLog("pruneLoop")

	p := s.cache.(Pruner)
	maxAge := s.maxAge
	if maxAge <= 0 {
		maxAge = cache.MaxAge
	}
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pruneLoop: shutting down")
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, s.now().Add(-maxAge))
			if err != nil {
				s.logger.Warn("pruneLoop: prune failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("pruneLoop: pruned cache entries", "count", n)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred inside each goroutine to catch unexpected panics,
// log them, and allow the scheduler to continue running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}

package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
)

// SnapshotSource keeps an ordered set of pool snapshots current for one
// market. Run blocks until ctx is cancelled; onUpdate is called after every
// change to the set. Load fills the set once without following the market,
// for views that are read and discarded.
type SnapshotSource interface {
	Name() string
	Run(ctx context.Context, onUpdate func()) error
	Load(ctx context.Context) error
	Snapshots() []domain.PositionSnapshot
}

// SelectSource returns a LogSource when r serves the PositionUpdated event
// log and a PollSource otherwise. retry is the LogSource reconnect delay,
// poll the PollSource period.
func SelectSource(r ledger.Reader, poll, retry time.Duration, logger *slog.Logger) SnapshotSource {
	if el, ok := r.(ledger.EventLog); ok {
		return NewLogSource(el, retry, logger)
	}
	return NewPollSource(r, poll, nil, logger)
}

// ──────────────────────────────────────────────────────────────────────────────
// snapshot set
// ──────────────────────────────────────────────────────────────────────────────

// snapshotSet is an ordered, de-duplicated collection of snapshots. The
// historical query and the live subscription may deliver the same record.
type snapshotSet struct {
	mu    sync.RWMutex
	items []domain.PositionSnapshot
	seen  map[string]struct{}
}

func newSnapshotSet() *snapshotSet {
	return &snapshotSet{seen: make(map[string]struct{})}
}

// add inserts every unseen snapshot and reports whether anything changed.
func (s *snapshotSet) add(snaps ...domain.PositionSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, snap := range snaps {
		key := fmt.Sprintf("%d|%s|%s", snap.Timestamp.UnixNano(), snap.Long, snap.Short)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.items = append(s.items, snap)
		changed = true
	}
	if changed {
		slices.SortStableFunc(s.items, func(a, b domain.PositionSnapshot) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	}
	return changed
}

func (s *snapshotSet) snapshot() []domain.PositionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *snapshotSet) last() (domain.PositionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return domain.PositionSnapshot{}, false
	}
	return s.items[len(s.items)-1], true
}

// ──────────────────────────────────────────────────────────────────────────────
// LogSource
// ──────────────────────────────────────────────────────────────────────────────

// LogSource queries the historical PositionUpdated records and then follows
// the live subscription. A dropped subscription is re-established after
// retry, re-querying history to cover the gap.
type LogSource struct {
	log    ledger.EventLog
	retry  time.Duration
	set    *snapshotSet
	logger *slog.Logger
}

// NewLogSource creates a LogSource over el.
func NewLogSource(el ledger.EventLog, retry time.Duration, logger *slog.Logger) *LogSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSource{log: el, retry: retry, set: newSnapshotSet(), logger: logger.With("source", "log")}
}

func (s *LogSource) Name() string { return "log" }

// Snapshots returns the collected records in timestamp order.
func (s *LogSource) Snapshots() []domain.PositionSnapshot { return s.set.snapshot() }

// Load queries the historical records once.
func (s *LogSource) Load(ctx context.Context) error {
	past, err := s.log.PositionHistory(ctx)
	if err != nil {
		return fmt.Errorf("history.LogSource query: %w", err)
	}
	s.set.add(past...)
	return nil
}

// Run follows the event log until ctx is cancelled.
func (s *LogSource) Run(ctx context.Context, onUpdate func()) error {
	for {
		err := s.follow(ctx, onUpdate)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("position feed interrupted, retrying", "error", err, "retry_in", s.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retry):
		}
	}
}

func (s *LogSource) follow(ctx context.Context, onUpdate func()) error {
	ch := make(chan domain.PositionSnapshot, 64)
	sub, err := s.log.SubscribePositions(ctx, ch)
	if err != nil {
		return fmt.Errorf("history.LogSource subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	// Subscribe first so nothing emitted during the query is lost.
	past, err := s.log.PositionHistory(ctx)
	if err != nil {
		return fmt.Errorf("history.LogSource query: %w", err)
	}
	if s.set.add(past...) {
		onUpdate()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("history.LogSource feed: %w", err)
		case snap := <-ch:
			if s.set.add(snap) {
				onUpdate()
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// PollSource
// ──────────────────────────────────────────────────────────────────────────────

// PollSource samples the full pool on every period and records a snapshot
// whenever the totals changed. Samples are coarse: several bids between two
// polls collapse into one point.
type PollSource struct {
	reader ledger.Reader
	period time.Duration
	now    func() time.Time
	set    *snapshotSet
	logger *slog.Logger
}

// NewPollSource creates a PollSource. now defaults to time.Now.
func NewPollSource(r ledger.Reader, period time.Duration, now func() time.Time, logger *slog.Logger) *PollSource {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollSource{reader: r, period: period, now: now, set: newSnapshotSet(), logger: logger.With("source", "poll")}
}

func (s *PollSource) Name() string { return "poll" }

// Snapshots returns the collected samples in timestamp order.
func (s *PollSource) Snapshots() []domain.PositionSnapshot { return s.set.snapshot() }

// Run polls until ctx is cancelled. A failed read is skipped; the next
// cycle retries.
func (s *PollSource) Run(ctx context.Context, onUpdate func()) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		if s.Sample(ctx) {
			onUpdate()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Load takes a single sample. Polling has no history, so the set holds at
// most the current pool afterwards.
func (s *PollSource) Load(ctx context.Context) error {
	_, err := s.sample(ctx)
	return err
}

// Sample takes one reading and reports whether a snapshot was recorded.
func (s *PollSource) Sample(ctx context.Context) bool {
	added, err := s.sample(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("pool poll failed", "market", s.reader.MarketID(), "error", err)
	}
	return added
}

func (s *PollSource) sample(ctx context.Context) (bool, error) {
	pool, err := s.reader.Positions(ctx)
	if err != nil {
		return false, fmt.Errorf("history.PollSource sample: %w", err)
	}
	if last, ok := s.set.last(); ok && last.Long.Equal(pool.Long) && last.Short.Equal(pool.Short) {
		return false, nil
	}
	if pool.Total().IsZero() {
		return false, nil
	}
	return s.set.add(domain.PositionSnapshot{Timestamp: s.now(), Long: pool.Long, Short: pool.Short}), nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evetabi/strikemarket/internal/cache"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────────────────────────────────────
// Publisher interface: implemented by ws.Hub
// Declared here so service does not import ws.
// ──────────────────────────────────────────────────────────────────────────────

// Publisher receives everything an active view pushes to subscribers.
type Publisher interface {
	history.Publisher
	PublishState(id domain.MarketID, s domain.MarketSummary)
}

// ViewOptions holds the cadences and collaborators of a MarketView.
type ViewOptions struct {
	PhasePoll      time.Duration
	PoolPoll       time.Duration
	HistoryRefresh time.Duration
	Tick           time.Duration
	DedupThreshold time.Duration
	EventRetry     time.Duration

	Cache          cache.SnapshotCache // nil disables prepopulation
	CacheMaxAge    time.Duration
	CacheSaveEvery time.Duration // minimum gap between write-through saves
	Publisher      Publisher     // nil discards pushes
	Now            func() time.Time
	Logger         *slog.Logger
}

// ViewOptionsFromConfig copies the view cadences out of cfg.
func ViewOptionsFromConfig(cfg config.ViewConfig) ViewOptions {
	return ViewOptions{
		PhasePoll:      cfg.PhasePoll,
		PoolPoll:       cfg.PoolPoll,
		HistoryRefresh: cfg.HistoryRefresh,
		Tick:           cfg.Tick,
		DedupThreshold: cfg.DedupThreshold,
		EventRetry:     cfg.EventRetry,
	}
}

func (o *ViewOptions) defaults() {
	if o.PhasePoll <= 0 {
		o.PhasePoll = 2 * time.Second
	}
	if o.PoolPoll <= 0 {
		o.PoolPoll = 3 * time.Second
	}
	if o.HistoryRefresh <= 0 {
		o.HistoryRefresh = history.DefaultRefreshPeriod
	}
	if o.Tick <= 0 {
		o.Tick = 100 * time.Millisecond
	}
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = history.DedupThreshold
	}
	if o.EventRetry <= 0 {
		o.EventRetry = 5 * time.Second
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = cache.MaxAge
	}
	if o.CacheSaveEvery <= 0 {
		o.CacheSaveEvery = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// MarketView
// ──────────────────────────────────────────────────────────────────────────────

// MarketView is the live read model of one market. Its state only changes
// after an awaited ledger read completes, and its observed phase never moves
// backwards.
type MarketView struct {
	id     domain.MarketID
	reader ledger.Reader
	opts   ViewOptions
	logger *slog.Logger

	mu     sync.RWMutex
	market domain.Market
	pool   domain.Pool
	loaded bool                      // at least one live read applied
	seed   []domain.PositionSnapshot // cached snapshots until the source catches up
	saved  time.Time                 // last write-through to the cache

	source    history.SnapshotSource
	clock     *history.Clock
	refresher *history.Refresher

	running   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// OpenView reads market id and returns a view that is not yet running. A
// fresh cache entry makes the view usable even if the first read fails.
func OpenView(ctx context.Context, p ledger.Provider, id domain.MarketID, opts ViewOptions) (*MarketView, error) {
	opts.defaults()
	r, err := p.Reader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service.OpenView: %w", err)
	}
	v := &MarketView{
		id:     r.MarketID(),
		reader: r,
		opts:   opts,
		logger: opts.Logger.With("component", "market_view", "market", r.MarketID()),
		done:   make(chan struct{}),
	}
	v.source = history.SelectSource(r, opts.PoolPoll, opts.EventRetry, opts.Logger)

	cached, hit := cache.Lookup(ctx, opts.Cache, v.id, opts.Now(), opts.CacheMaxAge)
	if hit {
		v.market, v.pool, v.seed = cached.Market, cached.Pool, cached.Snapshots
		v.logger.Debug("view prepopulated from cache", "saved_at", cached.SavedAt)
	}

	if err := v.Refresh(ctx); err != nil {
		if !hit {
			return nil, fmt.Errorf("service.OpenView: %w", err)
		}
		v.logger.Warn("initial read failed, serving cached snapshot", "err", err)
	}

	v.mu.RLock()
	maturity := v.market.MaturityTime
	v.mu.RUnlock()
	v.clock = history.NewClock(maturity, opts.Tick, opts.Now)
	v.refresher = history.NewRefresher(v.id, opts.HistoryRefresh, v.seriesInput, opts.Publisher)
	return v, nil
}

// ID returns the market identity.
func (v *MarketView) ID() domain.MarketID { return v.id }

// Reader returns the ledger reader backing the view.
func (v *MarketView) Reader() ledger.Reader { return v.reader }

// Refresh performs a full ledger read and applies it.
func (v *MarketView) Refresh(ctx context.Context) error {
	m, pool, err := ledger.ReadMarket(ctx, v.reader)
	if err != nil {
		return err
	}
	v.applyMarket(m, pool)
	return nil
}

// applyMarket merges a completed read. A phase lower than the one already
// observed is a stale read: it is logged and the phase-bound fields are kept.
func (v *MarketView) applyMarket(m domain.Market, pool domain.Pool) {
	v.mu.Lock()
	if v.loaded && m.Phase < v.market.Phase {
		v.logger.Warn("ignoring stale phase", "observed", v.market.Phase, "read", m.Phase)
		m.Phase = v.market.Phase
		m.BiddingStartTime = v.market.BiddingStartTime
		m.FinalPrice = v.market.FinalPrice
		m.ResolveTime = v.market.ResolveTime
	}
	if v.loaded {
		pool = freshest(v.pool, pool)
	}
	v.market, v.pool, v.loaded = m, pool, true
	clock := v.clock
	v.mu.Unlock()

	if clock != nil {
		clock.SetMaturity(m.MaturityTime)
	}
	v.publishState()
	v.throttledSave()
}

// applyPool merges a completed pool read.
func (v *MarketView) applyPool(pool domain.Pool) {
	v.mu.Lock()
	changed := !v.pool.Long.Equal(pool.Long) || !v.pool.Short.Equal(pool.Short)
	v.pool = freshest(v.pool, pool)
	v.mu.Unlock()
	if changed {
		v.publishState()
		v.throttledSave()
	}
}

// freshest prefers next unless it shows less stake than cur: totals only
// ever grow, so a smaller read is stale.
func freshest(cur, next domain.Pool) domain.Pool {
	if next.Long.LessThan(cur.Long) || next.Short.LessThan(cur.Short) {
		return cur
	}
	return next
}

func (v *MarketView) publishState() {
	if v.opts.Publisher == nil {
		return
	}
	v.opts.Publisher.PublishState(v.id, v.Summary())
}

// Market returns the observed market and pool.
func (v *MarketView) Market() (domain.Market, domain.Pool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m := v.market
	if m.FinalPrice != nil {
		fp := *m.FinalPrice
		m.FinalPrice = &fp
	}
	return m, v.pool
}

// Now is the view's current time: the animation clock while it runs, the
// wall clock before Start and after the clock stopped at maturity.
func (v *MarketView) Now() time.Time {
	if v.running.Load() && v.clock != nil {
		select {
		case <-v.clock.Done():
		default:
			return v.clock.Now()
		}
	}
	return v.opts.Now()
}

// Summary derives the read model at the view's current time.
func (v *MarketView) Summary() domain.MarketSummary {
	m, pool := v.Market()
	return domain.Summarize(m, pool, v.Now())
}

// Preview quotes a prospective bid against the observed pool. amount is the
// raw user input; anything that is not a positive number is rejected.
func (v *MarketView) Preview(side domain.Side, amount string) (settlement.Quote, error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return settlement.Quote{}, err
	}
	m, pool := v.Market()
	return settlement.Preview(pool, side, amt, m.FeeRateMilli)
}

// PositionReport is a participant's stake and, once claimable, the payout.
type PositionReport struct {
	Position domain.Position        `json:"position"`
	Winning  *domain.Side           `json:"winning_side,omitempty"`
	Payout   *settlement.Settlement `json:"payout,omitempty"`
	Eligible bool                   `json:"eligible"`
	Reason   domain.Kind            `json:"reason,omitempty"`
}

// Position reads p's stake and evaluates claim eligibility.
func (v *MarketView) Position(ctx context.Context, p domain.Participant) (PositionReport, error) {
	pos, err := v.reader.StakeOf(ctx, p)
	if err != nil {
		return PositionReport{}, fmt.Errorf("service.Position: %w", err)
	}
	m, pool := v.Market()
	rep := PositionReport{Position: pos}
	if side, err := settlement.Outcome(m.Oracle()); err == nil {
		rep.Winning = &side
	}
	s, err := settlement.Claimable(m, pool, pos)
	if err != nil {
		rep.Reason = domain.KindOf(err)
		return rep, nil
	}
	rep.Payout, rep.Eligible = &s, domain.CanClaim(m.Phase)
	if !rep.Eligible {
		rep.Reason = domain.KindPhaseViolation
	}
	return rep, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// History series
// ──────────────────────────────────────────────────────────────────────────────

func (v *MarketView) snapshots() []domain.PositionSnapshot {
	if s := v.source.Snapshots(); len(s) > 0 {
		return s
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seed
}

func (v *MarketView) seriesInput() history.Input {
	m, pool := v.Market()
	return history.Input{
		Snapshots:    v.snapshots(),
		BiddingStart: m.BiddingStartTime,
		Maturity:     m.MaturityTime,
		Live:         pool,
		Now:          v.Now(),
		Threshold:    v.opts.DedupThreshold,
	}
}

// Series returns the latest reconstructed history, building it on demand
// when the refresher has not run yet.
func (v *MarketView) Series() []history.Point {
	if s := v.refresher.Latest(); s != nil {
		return s
	}
	return history.BuildSeries(v.seriesInput())
}

// LoadHistory fills the snapshot source once. Views that are never started
// call it before building a series.
func (v *MarketView) LoadHistory(ctx context.Context) error {
	if err := v.source.Load(ctx); err != nil {
		return fmt.Errorf("service.LoadHistory: %w", err)
	}
	return nil
}

// SourceName reports which snapshot source the view selected.
func (v *MarketView) SourceName() string { return v.source.Name() }

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Start launches every periodic task of the view under ctx. It returns
// immediately; Close (or cancelling ctx) stops all of them.
func (v *MarketView) Start(ctx context.Context) {
	v.startOnce.Do(func() {
		ctx, v.cancel = context.WithCancel(ctx)
		v.running.Store(true)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(v.guard("phase_poller", func() error { return v.pollPhase(gctx) }))
		g.Go(v.guard("pool_poller", func() error { return v.pollPool(gctx) }))
		g.Go(v.guard("snapshot_source", func() error {
			return v.source.Run(gctx, func() { v.refresher.Rebuild() })
		}))
		g.Go(v.guard("clock", func() error {
			if err := v.clock.Run(gctx); err != nil {
				return err
			}
			// one last rebuild so the frozen maturity point is published
			if gctx.Err() == nil {
				v.refresher.Rebuild()
			}
			return nil
		}))
		g.Go(v.guard("refresher", func() error { return v.refresher.Run(gctx) }))
		go func() {
			defer close(v.done)
			defer v.running.Store(false)
			if err := g.Wait(); err != nil {
				v.logger.Error("market view stopped", "err", err)
			}
		}()
		v.logger.Info("market view started", "source", v.source.Name())
	})
}

// guard converts a panic in a view task into an error so the errgroup
// cancels its siblings.
func (v *MarketView) guard(task string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				v.logger.Error("PANIC recovered in market view task", "task", task, "panic", r)
				err = fmt.Errorf("%s: panic: %v", task, r)
			}
		}()
		return fn()
	}
}

func (v *MarketView) pollPhase(ctx context.Context) error {
	ticker := time.NewTicker(v.opts.PhasePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		phase, err := v.reader.CurrentPhase(ctx)
		if err != nil {
			if ctx.Err() == nil {
				v.logger.Warn("phase poll failed", "err", err)
			}
			continue
		}
		v.mu.RLock()
		cur := v.market.Phase
		v.mu.RUnlock()
		if phase == cur {
			continue
		}
		// a transition changes more than the phase; take everything
		if err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
			v.logger.Warn("refresh after phase change failed", "err", err)
		}
	}
}

func (v *MarketView) pollPool(ctx context.Context) error {
	ticker := time.NewTicker(v.opts.PoolPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pool, err := v.reader.Positions(ctx)
		if err != nil {
			if ctx.Err() == nil {
				v.logger.Warn("pool poll failed", "err", err)
			}
			continue
		}
		v.applyPool(pool)
	}
}

// Close stops every task, waits for them and saves the last-known state to
// the cache. Safe to call more than once and on a view that never started.
func (v *MarketView) Close() {
	v.closeOnce.Do(func() {
		started := false
		v.startOnce.Do(func() {}) // a later Start becomes a no-op
		if v.cancel != nil {
			started = true
			v.cancel()
			<-v.done
		}
		v.saveCache()
		v.logger.Info("market view closed", "was_running", started)
	})
}

// throttledSave writes the view through to the cache at most once per
// CacheSaveEvery, so a process that dies without Close still leaves a
// recent entry behind.
func (v *MarketView) throttledSave() {
	if v.opts.Cache == nil {
		return
	}
	now := v.opts.Now()
	v.mu.Lock()
	due := v.saved.IsZero() || now.Sub(v.saved) >= v.opts.CacheSaveEvery
	if due {
		v.saved = now
	}
	v.mu.Unlock()
	if due {
		v.saveCache()
	}
}

func (v *MarketView) saveCache() {
	if v.opts.Cache == nil {
		return
	}
	v.mu.RLock()
	loaded := v.loaded
	v.mu.RUnlock()
	if !loaded {
		return
	}
	m, pool := v.Market()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := v.opts.Cache.Put(ctx, v.id, cache.Entry{
		Market:    m,
		Pool:      pool,
		Snapshots: v.snapshots(),
		SavedAt:   v.opts.Now(),
	})
	if err != nil {
		v.logger.Warn("cache save failed", "err", err)
	}
}

// parseAmount accepts a positive decimal string.
func parseAmount(raw string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q: %w", raw, domain.ErrInsufficientStake)
	}
	if !amt.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("amount %s: %w", amt, domain.ErrInsufficientStake)
	}
	return amt, nil
}

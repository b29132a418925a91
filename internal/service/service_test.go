package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/cache"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/ledger/memory"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── fixtures ────────────────────────────────────────────────────────────────

type stubOracle struct{ price decimal.Decimal }

func (o stubOracle) FinalPrice(context.Context, string) (decimal.Decimal, error) {
	return o.price, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	ledger *memory.Ledger
	clock  *fakeClock
	id     domain.MarketID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()}
	l := memory.New(stubOracle{price: decimal.NewFromInt(110)}, clk.Now)
	id, err := l.CreateMarket(context.Background(), domain.Market{
		ID:           "mkt",
		TradingPair:  "BTCUSDT",
		StrikePrice:  decimal.NewFromInt(100),
		MaturityTime: clk.Now().Add(time.Hour),
		FeeRateMilli: 100,
		Owner:        "owner",
	})
	require.NoError(t, err)
	return &env{ledger: l, clock: clk, id: id}
}

func (e *env) session(t *testing.T, caller domain.Participant, v *service.MarketView) *service.Session {
	t.Helper()
	c, err := e.ledger.Client(context.Background(), e.id, caller)
	require.NoError(t, err)
	return service.NewSession(c, v, e.clock.Now, nil)
}

func (e *env) startBidding(t *testing.T) {
	t.Helper()
	_, err := e.session(t, "owner", nil).StartBidding(context.Background())
	require.NoError(t, err)
}

func (e *env) opts() service.ViewOptions {
	return service.ViewOptions{
		PhasePoll:      5 * time.Millisecond,
		PoolPoll:       5 * time.Millisecond,
		HistoryRefresh: 5 * time.Millisecond,
		Tick:           time.Millisecond,
		EventRetry:     5 * time.Millisecond,
		Now:            e.clock.Now,
	}
}

// recorder is a Publisher capturing pushes.
type recorder struct {
	mu     sync.Mutex
	states []domain.MarketSummary
	series [][]history.Point
}

func (r *recorder) PublishState(_ domain.MarketID, s domain.MarketSummary) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) PublishSeries(_ domain.MarketID, s []history.Point) {
	r.mu.Lock()
	r.series = append(r.series, s)
	r.mu.Unlock()
}

func (r *recorder) seriesCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.series)
}

// phaseOverride makes a reader report a fixed phase once set.
type phaseOverride struct {
	set   bool
	phase domain.Phase
}

type staleReader struct {
	ledger.Reader
	o *phaseOverride
}

func (s staleReader) CurrentPhase(ctx context.Context) (domain.Phase, error) {
	if s.o.set {
		return s.o.phase, nil
	}
	return s.Reader.CurrentPhase(ctx)
}

type staleProvider struct {
	ledger.Provider
	o *phaseOverride
}

func (p staleProvider) Reader(ctx context.Context, id domain.MarketID) (ledger.Reader, error) {
	r, err := p.Provider.Reader(ctx, id)
	if err != nil {
		return nil, err
	}
	return staleReader{Reader: r, o: p.o}, nil
}

// ── Session ─────────────────────────────────────────────────────────────────

func TestSession_LocalRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.session(t, "alice", nil)

	_, err := alice.StartBidding(ctx)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	var ae *domain.ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, service.OpStartBidding, ae.Op)
	assert.Equal(t, domain.KindNotOwner, ae.Kind)

	_, err = alice.Bid(ctx, "LONG", "10")
	assert.ErrorIs(t, err, domain.ErrPhaseViolation, "no bids in Trading")

	e.startBidding(t)

	for _, amount := range []string{"abc", "", "0", "-5"} {
		_, err = alice.Bid(ctx, "LONG", amount)
		assert.ErrorIs(t, err, domain.ErrInsufficientStake, "amount %q", amount)
	}
	_, err = alice.Bid(ctx, "UP", "10")
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = alice.Resolve(ctx)
	assert.ErrorIs(t, err, domain.ErrPhaseViolation, "before maturity")
	_, err = alice.Expire(ctx)
	assert.ErrorIs(t, err, domain.ErrPhaseViolation)
	_, _, err = alice.Claim(ctx)
	assert.ErrorIs(t, err, domain.ErrPhaseViolation)

	// nothing reached the ledger
	r, _ := e.ledger.Reader(ctx, e.id)
	pool, _ := r.Positions(ctx)
	assert.True(t, pool.Total().IsZero())
}

func TestSession_FullLifecycleAndPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)

	alice := e.session(t, "alice", nil)
	bob := e.session(t, "bob", nil)
	_, err := alice.Bid(ctx, "long", "300")
	require.NoError(t, err)
	_, err = bob.Bid(ctx, "SHORT", "700")
	require.NoError(t, err)

	e.clock.Advance(time.Hour) // now == maturity
	_, err = bob.Resolve(ctx)
	require.NoError(t, err)

	_, err = bob.Expire(ctx)
	assert.ErrorIs(t, err, domain.ErrPhaseViolation, "inside the dispute window")
	e.clock.Advance(domain.ExpiryCooldown)
	_, err = bob.Expire(ctx)
	require.NoError(t, err)

	_, _, err = bob.Claim(ctx)
	assert.ErrorIs(t, err, domain.ErrNotAWinner)
	assert.True(t, domain.IsIneligible(err))

	_, payout, err := alice.Claim(ctx)
	require.NoError(t, err)
	// 300 * 1000 / 300 = 1000 gross, 100‰ fee
	assert.True(t, payout.Gross.Equal(decimal.NewFromInt(1000)), payout.Gross.String())
	assert.True(t, payout.Net.Equal(decimal.NewFromInt(900)), payout.Net.String())

	_, _, err = alice.Claim(ctx)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

// ── MarketView ──────────────────────────────────────────────────────────────

func TestMarketView_PreviewAndSummary(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)
	_, err := e.session(t, "a", nil).Bid(ctx, "LONG", "300")
	require.NoError(t, err)
	_, err = e.session(t, "b", nil).Bid(ctx, "SHORT", "700")
	require.NoError(t, err)

	v, err := service.OpenView(ctx, e.ledger, e.id, e.opts())
	require.NoError(t, err)
	defer v.Close()

	sum := v.Summary()
	assert.Equal(t, domain.PhaseBidding, sum.Market.Phase)
	assert.True(t, sum.LongPercent.Equal(decimal.NewFromInt(30)))
	assert.True(t, sum.Gates.CanBid)

	q, err := v.Preview(domain.SideLong, "100")
	require.NoError(t, err)
	assert.True(t, q.Fee.Equal(decimal.NewFromInt(10)))
	assert.True(t, q.Payout.GreaterThan(decimal.NewFromInt(100)))

	_, err = v.Preview(domain.SideLong, "nope")
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	series := v.Series()
	require.NotEmpty(t, series)
	assert.Equal(t, history.KindBaseline, series[0].Kind)
	assert.Equal(t, "log", v.SourceName())
}

func TestMarketView_StartPublishesAndTracksPhase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)

	rec := &recorder{}
	opts := e.opts()
	opts.Publisher = rec
	v, err := service.OpenView(ctx, e.ledger, e.id, opts)
	require.NoError(t, err)
	v.Start(ctx)
	defer v.Close()

	_, err = e.session(t, "a", nil).Bid(ctx, "SHORT", "40")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, pool := v.Market()
		return pool.Short.Equal(decimal.NewFromInt(40))
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.seriesCount() >= 2 }, time.Second, 5*time.Millisecond)

	// resolve behind the view's back; the phase poller picks it up
	e.clock.Advance(time.Hour)
	_, err = e.session(t, "a", nil).Resolve(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, _ := v.Market()
		return m.Phase == domain.PhaseMaturity && m.FinalPrice != nil
	}, time.Second, 5*time.Millisecond)
}

func TestMarketView_IgnoresStalePhase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)

	o := &phaseOverride{}
	v, err := service.OpenView(ctx, staleProvider{Provider: e.ledger, o: o}, e.id, e.opts())
	require.NoError(t, err)
	defer v.Close()
	m, _ := v.Market()
	require.Equal(t, domain.PhaseBidding, m.Phase)
	bidStart := m.BiddingStartTime

	// a lagging replica answers with an older phase
	o.set, o.phase = true, domain.PhaseTrading
	require.NoError(t, v.Refresh(ctx))

	m, _ = v.Market()
	assert.Equal(t, domain.PhaseBidding, m.Phase, "observed phase never regresses")
	assert.Equal(t, bidStart, m.BiddingStartTime)
}

func TestMarketView_CachePrepopulates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)
	_, err := e.session(t, "a", nil).Bid(ctx, "LONG", "5")
	require.NoError(t, err)

	c, err := cache.NewSQLiteCache(":memory:")
	require.NoError(t, err)
	defer c.Close()

	opts := e.opts()
	opts.Cache = c
	v, err := service.OpenView(ctx, e.ledger, e.id, opts)
	require.NoError(t, err)
	v.Close() // saves

	entry, ok := cache.Lookup(ctx, c, e.id, e.clock.Now(), cache.MaxAge)
	require.True(t, ok)
	assert.True(t, entry.Pool.Long.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, domain.PhaseBidding, entry.Market.Phase)

	// six minutes later the entry is too old to use
	e.clock.Advance(6 * time.Minute)
	_, ok = cache.Lookup(ctx, c, e.id, e.clock.Now(), cache.MaxAge)
	assert.False(t, ok)
}

func TestMarketView_WritesThroughToCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)
	_, err := e.session(t, "a", nil).Bid(ctx, "LONG", "5")
	require.NoError(t, err)

	c, err := cache.NewSQLiteCache(":memory:")
	require.NoError(t, err)
	defer c.Close()

	opts := e.opts()
	opts.Cache = c
	opts.CacheSaveEvery = time.Minute
	v, err := service.OpenView(ctx, e.ledger, e.id, opts)
	require.NoError(t, err)
	defer v.Close()

	// the first read is saved without waiting for Close
	entry, ok := cache.Lookup(ctx, c, e.id, e.clock.Now(), cache.MaxAge)
	require.True(t, ok)
	assert.True(t, entry.Pool.Long.Equal(decimal.NewFromInt(5)))

	_, err = e.session(t, "b", nil).Bid(ctx, "SHORT", "7")
	require.NoError(t, err)
	require.NoError(t, v.Refresh(ctx))
	entry, _ = cache.Lookup(ctx, c, e.id, e.clock.Now(), cache.MaxAge)
	assert.True(t, entry.Pool.Short.IsZero(), "saves are throttled")

	e.clock.Advance(2 * time.Minute)
	require.NoError(t, v.Refresh(ctx))
	entry, ok = cache.Lookup(ctx, c, e.id, e.clock.Now(), cache.MaxAge)
	require.True(t, ok)
	assert.True(t, entry.Pool.Short.Equal(decimal.NewFromInt(7)))
}

// ── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_RefCounting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)
	reg := service.NewRegistry(ctx, e.ledger, e.opts())
	defer reg.Close()

	v1, rel1, err := reg.Acquire(ctx, e.id)
	require.NoError(t, err)
	v2, rel2, err := reg.Acquire(ctx, e.id)
	require.NoError(t, err)
	assert.Same(t, v1, v2, "one view per market identity")
	assert.Equal(t, []domain.MarketID{e.id}, reg.Active())

	rel1()
	rel1() // idempotent
	assert.Len(t, reg.Active(), 1)
	rel2()
	assert.Empty(t, reg.Active(), "last release tears the view down")

	_, _, err = reg.Acquire(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

func TestRegistry_SessionUsesRunningView(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.startBidding(t)
	reg := service.NewRegistry(ctx, e.ledger, e.opts())
	defer reg.Close()

	v, release, err := reg.Acquire(ctx, e.id)
	require.NoError(t, err)
	defer release()

	s, err := reg.Session(ctx, e.id, "carol")
	require.NoError(t, err)
	_, err = s.Bid(ctx, "LONG", "12.5")
	require.NoError(t, err)

	// the session refreshes the shared view after a successful write
	_, pool := v.Market()
	assert.True(t, pool.Long.Equal(decimal.RequireFromString("12.5")))

	err = reg.With(ctx, e.id, func(view *service.MarketView) error {
		assert.Same(t, v, view)
		return nil
	})
	require.NoError(t, err)

	rep, err := v.Position(ctx, "CAROL")
	require.NoError(t, err)
	assert.True(t, rep.Position.Long.Equal(decimal.RequireFromString("12.5")))
	assert.False(t, rep.Eligible)
}

// Package memory is an in-process ledger. Each market is a machine.Machine
// behind its own mutex; bids fan out to PositionUpdated subscribers.
// It backs development mode and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/machine"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger holds any number of markets.
type Ledger struct {
	oracle machine.PriceOracle
	now    func() time.Time

	mu      sync.RWMutex
	markets map[domain.MarketID]*entry
}

type entry struct {
	mu      sync.Mutex
	m       *machine.Machine
	subs    map[int]*subscription
	nextSub int
}

// Compile-time interface checks.
var (
	_ ledger.Provider       = (*Ledger)(nil)
	_ ledger.Lister         = (*Ledger)(nil)
	_ ledger.Creator        = (*Ledger)(nil)
	_ ledger.PositionLister = (*Ledger)(nil)
	_ ledger.Client         = (*client)(nil)
	_ ledger.EventLog       = (*reader)(nil)
)

// New creates an empty ledger resolving against oracle. now defaults to
// time.Now.
func New(oracle machine.PriceOracle, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{oracle: oracle, now: now, markets: make(map[domain.MarketID]*entry)}
}

// CreateMarket registers m in Trading. An empty ID is replaced by a UUID.
func (l *Ledger) CreateMarket(_ context.Context, m domain.Market) (domain.MarketID, error) {
	if m.ID == "" {
		m.ID = domain.MarketID(uuid.NewString())
	}
	m.Phase = domain.PhaseTrading
	m.FinalPrice = nil
	m.ResolveTime = time.Time{}
	mc, err := machine.New(m)
	if err != nil {
		return "", fmt.Errorf("memory.CreateMarket: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.markets[m.ID]; exists {
		return "", fmt.Errorf("memory.CreateMarket: market %s already exists", m.ID)
	}
	l.markets[m.ID] = &entry{m: mc, subs: make(map[int]*subscription)}
	return m.ID, nil
}

// Markets lists every market id in lexical order.
func (l *Ledger) Markets(_ context.Context) ([]domain.MarketID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]domain.MarketID, 0, len(l.markets))
	for id := range l.markets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ListPositions returns every position in market id, ordered by participant.
func (l *Ledger) ListPositions(_ context.Context, id domain.MarketID) ([]domain.Position, error) {
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	st := e.m.State()
	e.mu.Unlock()
	out := make([]domain.Position, 0, len(st.Positions))
	for _, pos := range st.Positions {
		out = append(out, pos)
	}
	slices.SortFunc(out, func(a, b domain.Position) int {
		return strings.Compare(string(a.Participant), string(b.Participant))
	})
	return out, nil
}

// Reader opens a read-only view of market id.
func (l *Ledger) Reader(_ context.Context, id domain.MarketID) (ledger.Reader, error) {
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	return &reader{id: id, e: e}, nil
}

// Client opens a view of market id bound to caller.
func (l *Ledger) Client(_ context.Context, id domain.MarketID, caller domain.Participant) (ledger.Client, error) {
	if caller == "" {
		return nil, fmt.Errorf("memory.Client: %w", domain.ErrForbidden)
	}
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	return &client{reader: reader{id: id, e: e}, l: l, caller: caller}, nil
}

func (l *Ledger) lookup(id domain.MarketID) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.markets[id]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", id, domain.ErrMarketNotFound)
	}
	return e, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// reader
// ──────────────────────────────────────────────────────────────────────────────

type reader struct {
	id domain.MarketID
	e  *entry
}

func (r *reader) state() machine.State {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.e.m.State()
}

func (r *reader) MarketID() domain.MarketID { return r.id }

func (r *reader) TradingPair(context.Context) (string, error) {
	return r.state().Market.TradingPair, nil
}

func (r *reader) CurrentPhase(context.Context) (domain.Phase, error) {
	return r.state().Market.Phase, nil
}

func (r *reader) Positions(context.Context) (domain.Pool, error) {
	return r.state().Pool, nil
}

func (r *reader) OracleDetails(context.Context) (domain.OracleReading, error) {
	m := r.state().Market
	return m.Oracle(), nil
}

func (r *reader) BiddingStartTime(context.Context) (time.Time, error) {
	return r.state().Market.BiddingStartTime, nil
}

func (r *reader) MaturityTime(context.Context) (time.Time, error) {
	return r.state().Market.MaturityTime, nil
}

func (r *reader) ResolveTime(context.Context) (time.Time, error) {
	return r.state().Market.ResolveTime, nil
}

func (r *reader) FeeRate(context.Context) (int64, error) {
	return r.state().Market.FeeRateMilli, nil
}

func (r *reader) Owner(context.Context) (domain.Participant, error) {
	return r.state().Market.Owner, nil
}

func (r *reader) StakeOf(_ context.Context, p domain.Participant) (domain.Position, error) {
	return r.state().Position(p), nil
}

func (r *reader) PositionHistory(context.Context) ([]domain.PositionSnapshot, error) {
	return r.state().Snapshots, nil
}

func (r *reader) SubscribePositions(_ context.Context, ch chan<- domain.PositionSnapshot) (ledger.Subscription, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	id := r.e.nextSub
	r.e.nextSub++
	sub := &subscription{e: r.e, id: id, ch: ch, errc: make(chan error, 1)}
	r.e.subs[id] = sub
	return sub, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// client
// ──────────────────────────────────────────────────────────────────────────────

type client struct {
	reader
	l      *Ledger
	caller domain.Participant
}

func (c *client) Caller() domain.Participant { return c.caller }

func (c *client) receipt(now time.Time) ledger.Receipt {
	return ledger.Receipt{Ref: uuid.NewString(), At: now}
}

func (c *client) StartBidding(context.Context) (ledger.Receipt, error) {
	now := c.l.now()
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if err := c.e.m.StartBidding(c.caller, now); err != nil {
		return ledger.Receipt{}, err
	}
	return c.receipt(now), nil
}

func (c *client) Bid(_ context.Context, side domain.Side, amount decimal.Decimal) (ledger.Receipt, error) {
	now := c.l.now()
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	snap, err := c.e.m.Bid(c.caller, side, amount, now)
	if err != nil {
		return ledger.Receipt{}, err
	}
	c.e.publish(snap)
	return c.receipt(now), nil
}

func (c *client) ResolveMarket(ctx context.Context) (ledger.Receipt, error) {
	now := c.l.now()
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if err := c.e.m.Resolve(ctx, now, c.l.oracle); err != nil {
		return ledger.Receipt{}, err
	}
	return c.receipt(now), nil
}

func (c *client) ExpireMarket(context.Context) (ledger.Receipt, error) {
	now := c.l.now()
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if err := c.e.m.Expire(now); err != nil {
		return ledger.Receipt{}, err
	}
	return c.receipt(now), nil
}

func (c *client) ClaimReward(context.Context) (ledger.Receipt, error) {
	now := c.l.now()
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if _, err := c.e.m.Claim(c.caller); err != nil {
		return ledger.Receipt{}, err
	}
	return c.receipt(now), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// subscriptions
// ──────────────────────────────────────────────────────────────────────────────

// errLagging is delivered to a subscriber whose channel is full. The
// subscriber is dropped and must re-query history.
var errLagging = fmt.Errorf("memory: subscriber lagging: %w", domain.ErrNetwork)

// publish must be called with e.mu held.
func (e *entry) publish(snap domain.PositionSnapshot) {
	for id, sub := range e.subs {
		select {
		case sub.ch <- snap:
		default:
			sub.errc <- errLagging
			close(sub.errc)
			delete(e.subs, id)
		}
	}
}

type subscription struct {
	e    *entry
	id   int
	ch   chan<- domain.PositionSnapshot
	errc chan error
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) Unsubscribe() {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if _, live := s.e.subs[s.id]; live {
		delete(s.e.subs, s.id)
		close(s.errc)
	}
}

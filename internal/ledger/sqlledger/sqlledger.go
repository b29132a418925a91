// Package sqlledger keeps markets in PostgreSQL. Every write locks the
// market row (SELECT … FOR UPDATE), replays the transition through
// machine.Machine and persists the result in the same transaction, so
// concurrent writers are serialised by the database.
package sqlledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/machine"
	"github.com/evetabi/strikemarket/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Ledger is a PostgreSQL-backed ledger.
type Ledger struct {
	db        *sqlx.DB
	markets   *repository.MarketRepository
	positions *repository.PositionRepository
	snapshots *repository.SnapshotRepository
	actions   *repository.ActionRepository

	oracle machine.PriceOracle
	now    func() time.Time
	logger *slog.Logger
	notify *notifier
}

var (
	_ ledger.Provider       = (*Ledger)(nil)
	_ ledger.Lister         = (*Ledger)(nil)
	_ ledger.Creator        = (*Ledger)(nil)
	_ ledger.DueLister      = (*Ledger)(nil)
	_ ledger.PositionLister = (*Ledger)(nil)
	_ ledger.Client         = (*client)(nil)
	_ ledger.EventLog       = (*reader)(nil)
)

// Options tunes a Ledger.
type Options struct {
	// DSN enables LISTEN/NOTIFY wake-ups for live subscriptions. Without
	// it subscribers rely on Poll alone.
	DSN  string
	Poll time.Duration // subscription fallback poll, default 5s
	Now  func() time.Time
}

// New builds a ledger over db.
func New(db *sqlx.DB, oracle machine.PriceOracle, opts Options, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	l := &Ledger{
		db:        db,
		markets:   repository.NewMarketRepository(db),
		positions: repository.NewPositionRepository(db),
		snapshots: repository.NewSnapshotRepository(db),
		actions:   repository.NewActionRepository(db),
		oracle:    oracle,
		now:       opts.Now,
		logger:    logger.With("component", "sqlledger"),
	}
	l.notify = newNotifier(opts.DSN, opts.Poll, l.logger)
	return l
}

// Close stops the notification listener. The caller owns db.
func (l *Ledger) Close() error {
	return l.notify.close()
}

// CreateMarket inserts m in Trading. An empty ID is replaced by a UUID.
func (l *Ledger) CreateMarket(ctx context.Context, m domain.Market) (domain.MarketID, error) {
	if m.ID == "" {
		m.ID = domain.MarketID(uuid.NewString())
	}
	m.Phase = domain.PhaseTrading
	m.FinalPrice = nil
	m.ResolveTime = time.Time{}
	m.BiddingStartTime = time.Time{}
	m.Owner = m.Owner.Key()
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("sqlledger.CreateMarket: %w", err)
	}
	if err := l.markets.Create(ctx, m); err != nil {
		return "", dbErr("CreateMarket", err)
	}
	return m.ID, nil
}

// Markets lists every market id.
func (l *Ledger) Markets(ctx context.Context) ([]domain.MarketID, error) {
	ids, err := l.markets.ListIDs(ctx)
	if err != nil {
		return nil, dbErr("Markets", err)
	}
	return ids, nil
}

// Due returns the markets whose resolve gate (Bidding past maturity) or
// expire gate (Maturity past the cooldown) is open at now.
func (l *Ledger) Due(ctx context.Context, now time.Time) ([]domain.MarketID, error) {
	resolve, err := l.markets.DueForResolution(ctx, now)
	if err != nil {
		return nil, dbErr("Due", err)
	}
	expire, err := l.markets.DueForExpiry(ctx, now.Add(-domain.ExpiryCooldown))
	if err != nil {
		return nil, dbErr("Due", err)
	}
	return append(resolve, expire...), nil
}

// ListPositions returns every position in market id, ordered by participant.
func (l *Ledger) ListPositions(ctx context.Context, id domain.MarketID) ([]domain.Position, error) {
	out, err := l.positions.ListByMarket(ctx, id)
	if err != nil {
		return nil, dbErr("ListPositions", err)
	}
	return out, nil
}

// AuditTrail returns up to limit accepted writes on market id, oldest first.
func (l *Ledger) AuditTrail(ctx context.Context, id domain.MarketID, limit int) ([]repository.Action, error) {
	acts, err := l.actions.ListByMarket(ctx, id, limit)
	if err != nil {
		return nil, dbErr("AuditTrail", err)
	}
	return acts, nil
}

// Reader opens a view of market id after checking it exists.
func (l *Ledger) Reader(ctx context.Context, id domain.MarketID) (ledger.Reader, error) {
	if _, _, err := l.markets.GetByID(ctx, id); err != nil {
		return nil, dbErr("Reader", err)
	}
	return &reader{l: l, id: id}, nil
}

// Client opens a view of market id bound to caller.
func (l *Ledger) Client(ctx context.Context, id domain.MarketID, caller domain.Participant) (ledger.Client, error) {
	if caller == "" {
		return nil, fmt.Errorf("sqlledger.Client: %w", domain.ErrForbidden)
	}
	if _, _, err := l.markets.GetByID(ctx, id); err != nil {
		return nil, dbErr("Client", err)
	}
	return &client{reader: reader{l: l, id: id}, caller: caller}, nil
}

// dbErr keeps domain errors as they are and marks everything else as a
// transport failure.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sqlledger.%s: %w", op, err)
	}
	return fmt.Errorf("sqlledger.%s: %w: %w", op, domain.ErrNetwork, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// reader
// ──────────────────────────────────────────────────────────────────────────────

type reader struct {
	l  *Ledger
	id domain.MarketID
}

func (r *reader) load(ctx context.Context) (domain.Market, domain.Pool, error) {
	m, p, err := r.l.markets.GetByID(ctx, r.id)
	if err != nil {
		return domain.Market{}, domain.Pool{}, dbErr("read", err)
	}
	return m, p, nil
}

func (r *reader) MarketID() domain.MarketID { return r.id }

func (r *reader) TradingPair(ctx context.Context) (string, error) {
	m, _, err := r.load(ctx)
	return m.TradingPair, err
}

func (r *reader) CurrentPhase(ctx context.Context) (domain.Phase, error) {
	m, _, err := r.load(ctx)
	return m.Phase, err
}

func (r *reader) Positions(ctx context.Context) (domain.Pool, error) {
	_, p, err := r.load(ctx)
	return p, err
}

func (r *reader) OracleDetails(ctx context.Context) (domain.OracleReading, error) {
	m, _, err := r.load(ctx)
	return m.Oracle(), err
}

func (r *reader) BiddingStartTime(ctx context.Context) (time.Time, error) {
	m, _, err := r.load(ctx)
	return m.BiddingStartTime, err
}

func (r *reader) MaturityTime(ctx context.Context) (time.Time, error) {
	m, _, err := r.load(ctx)
	return m.MaturityTime, err
}

func (r *reader) ResolveTime(ctx context.Context) (time.Time, error) {
	m, _, err := r.load(ctx)
	return m.ResolveTime, err
}

func (r *reader) FeeRate(ctx context.Context) (int64, error) {
	m, _, err := r.load(ctx)
	return m.FeeRateMilli, err
}

func (r *reader) Owner(ctx context.Context) (domain.Participant, error) {
	m, _, err := r.load(ctx)
	return m.Owner, err
}

func (r *reader) StakeOf(ctx context.Context, p domain.Participant) (domain.Position, error) {
	pos, err := r.l.positions.Get(ctx, r.id, p)
	if err != nil {
		return domain.Position{}, dbErr("StakeOf", err)
	}
	return pos, nil
}

func (r *reader) PositionHistory(ctx context.Context) ([]domain.PositionSnapshot, error) {
	out, err := r.l.snapshots.ListByMarket(ctx, r.id)
	if err != nil {
		return nil, dbErr("PositionHistory", err)
	}
	return out, nil
}

func (r *reader) SubscribePositions(ctx context.Context, ch chan<- domain.PositionSnapshot) (ledger.Subscription, error) {
	last, err := r.l.snapshots.LastSeq(ctx, r.id)
	if err != nil {
		return nil, dbErr("SubscribePositions", err)
	}
	return r.l.notify.subscribe(r.id, last, r.l.snapshots, ch), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// client
// ──────────────────────────────────────────────────────────────────────────────

type client struct {
	reader
	caller domain.Participant
}

func (c *client) Caller() domain.Participant { return c.caller }

// transition runs fn against the locked market and persists its effects.
// A rejected transition rolls back and leaves no trace.
func (c *client) transition(ctx context.Context, action string, fn func(*machine.Machine, time.Time) (*domain.PositionSnapshot, error)) (ledger.Receipt, error) {
	now := c.l.now()
	tx, err := c.l.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, pool, err := c.l.markets.Lock(ctx, tx, c.id)
	if err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}
	before, err := c.l.positions.Lock(ctx, tx, c.id, c.caller)
	if err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}

	mc := machine.Restore(machine.State{
		Market:    m,
		Pool:      pool,
		Positions: map[domain.Participant]domain.Position{before.Participant: before},
	})
	snap, err := fn(mc, now)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("sqlledger.%s: %w", action, err)
	}

	st := mc.State()
	if err := c.l.markets.Save(ctx, tx, st.Market, st.Pool); err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}
	if after := st.Position(c.caller); positionChanged(before, after) {
		if err := c.l.positions.Upsert(ctx, tx, c.id, after); err != nil {
			return ledger.Receipt{}, dbErr(action, err)
		}
	}
	if snap != nil {
		if err := c.l.snapshots.Append(ctx, tx, c.id, *snap); err != nil {
			return ledger.Receipt{}, dbErr(action, err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(c.id)); err != nil {
			return ledger.Receipt{}, dbErr(action, err)
		}
	}
	ref := uuid.New()
	if err := c.l.actions.Record(ctx, tx, repository.Action{
		ID: ref, MarketID: c.id, Actor: c.caller.Key(), Action: action, CreatedAt: now.UTC(),
	}); err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, dbErr(action, err)
	}
	c.l.logger.Info("market transition", "market", c.id, "action", action, "caller", c.caller, "ref", ref)
	return ledger.Receipt{Ref: ref.String(), At: now}, nil
}

func positionChanged(a, b domain.Position) bool {
	return !a.Long.Equal(b.Long) || !a.Short.Equal(b.Short) || a.Claimed != b.Claimed
}

func (c *client) StartBidding(ctx context.Context) (ledger.Receipt, error) {
	return c.transition(ctx, "start_bidding", func(mc *machine.Machine, now time.Time) (*domain.PositionSnapshot, error) {
		return nil, mc.StartBidding(c.caller, now)
	})
}

func (c *client) Bid(ctx context.Context, side domain.Side, amount decimal.Decimal) (ledger.Receipt, error) {
	return c.transition(ctx, "bid", func(mc *machine.Machine, now time.Time) (*domain.PositionSnapshot, error) {
		snap, err := mc.Bid(c.caller, side, amount, now)
		if err != nil {
			return nil, err
		}
		return &snap, nil
	})
}

func (c *client) ResolveMarket(ctx context.Context) (ledger.Receipt, error) {
	return c.transition(ctx, "resolve", func(mc *machine.Machine, now time.Time) (*domain.PositionSnapshot, error) {
		return nil, mc.Resolve(ctx, now, c.l.oracle)
	})
}

func (c *client) ExpireMarket(ctx context.Context) (ledger.Receipt, error) {
	return c.transition(ctx, "expire", func(mc *machine.Machine, now time.Time) (*domain.PositionSnapshot, error) {
		return nil, mc.Expire(now)
	})
}

func (c *client) ClaimReward(ctx context.Context) (ledger.Receipt, error) {
	return c.transition(ctx, "claim", func(mc *machine.Machine, _ time.Time) (*domain.PositionSnapshot, error) {
		_, err := mc.Claim(c.caller)
		return nil, err
	})
}

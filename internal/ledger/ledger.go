// Package ledger defines the contract between the market core and the system
// of record that holds market state: per-market reads, caller-bound writes
// and an optional ordered PositionUpdated event feed.
//
// Implementations live in sub-packages: evm (on-chain contract), sqlledger
// (postgres) and memory (in-process).
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Reader exposes the per-market view calls.
type Reader interface {
	MarketID() domain.MarketID
	TradingPair(ctx context.Context) (string, error)
	CurrentPhase(ctx context.Context) (domain.Phase, error)
	Positions(ctx context.Context) (domain.Pool, error)
	OracleDetails(ctx context.Context) (domain.OracleReading, error)
	BiddingStartTime(ctx context.Context) (time.Time, error)
	MaturityTime(ctx context.Context) (time.Time, error)
	ResolveTime(ctx context.Context) (time.Time, error)
	FeeRate(ctx context.Context) (int64, error)
	Owner(ctx context.Context) (domain.Participant, error)
	StakeOf(ctx context.Context, p domain.Participant) (domain.Position, error)
}

// Receipt identifies a completed write (transaction hash or row version).
type Receipt struct {
	Ref string    `json:"ref"`
	At  time.Time `json:"at"`
}

// Writer exposes the mutating calls, bound to one caller. Writes are never
// retried by the ledger.
type Writer interface {
	Caller() domain.Participant
	StartBidding(ctx context.Context) (Receipt, error)
	Bid(ctx context.Context, side domain.Side, amount decimal.Decimal) (Receipt, error)
	ResolveMarket(ctx context.Context) (Receipt, error)
	ExpireMarket(ctx context.Context) (Receipt, error)
	ClaimReward(ctx context.Context) (Receipt, error)
}

// Client is a Reader and a Writer for the same market and caller.
type Client interface {
	Reader
	Writer
}

// Subscription is a live event feed. Err delivers at most one error and is
// closed on Unsubscribe.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// EventLog is the optional capability of serving PositionUpdated records,
// both historically and live.
type EventLog interface {
	PositionHistory(ctx context.Context) ([]domain.PositionSnapshot, error)
	SubscribePositions(ctx context.Context, ch chan<- domain.PositionSnapshot) (Subscription, error)
}

// Provider opens readers and caller-bound clients by market identity.
type Provider interface {
	Reader(ctx context.Context, id domain.MarketID) (Reader, error)
	Client(ctx context.Context, id domain.MarketID, caller domain.Participant) (Client, error)
}

// Lister is the optional capability of enumerating known markets.
type Lister interface {
	Markets(ctx context.Context) ([]domain.MarketID, error)
}

// DueLister is the optional capability of answering which markets have a
// resolve or expire gate open at now without reading each one.
type DueLister interface {
	Due(ctx context.Context, now time.Time) ([]domain.MarketID, error)
}

// PositionLister is the optional capability of enumerating every
// participant's position in a market.
type PositionLister interface {
	ListPositions(ctx context.Context, id domain.MarketID) ([]domain.Position, error)
}

// Creator is the optional capability of opening new markets in Trading.
type Creator interface {
	CreateMarket(ctx context.Context, m domain.Market) (domain.MarketID, error)
}

// ReadMarket performs every view call concurrently and assembles the market
// and its pool. The first failing read cancels the rest.
func ReadMarket(ctx context.Context, r Reader) (domain.Market, domain.Pool, error) {
	var (
		m    = domain.Market{ID: r.MarketID()}
		pool domain.Pool
		orc  domain.OracleReading
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { m.TradingPair, err = r.TradingPair(gctx); return })
	g.Go(func() (err error) { m.Phase, err = r.CurrentPhase(gctx); return })
	g.Go(func() (err error) { pool, err = r.Positions(gctx); return })
	g.Go(func() (err error) { orc, err = r.OracleDetails(gctx); return })
	g.Go(func() (err error) { m.BiddingStartTime, err = r.BiddingStartTime(gctx); return })
	g.Go(func() (err error) { m.MaturityTime, err = r.MaturityTime(gctx); return })
	g.Go(func() (err error) { m.ResolveTime, err = r.ResolveTime(gctx); return })
	g.Go(func() (err error) { m.FeeRateMilli, err = r.FeeRate(gctx); return })
	g.Go(func() (err error) { m.Owner, err = r.Owner(gctx); return })
	if err := g.Wait(); err != nil {
		return domain.Market{}, domain.Pool{}, fmt.Errorf("ledger.ReadMarket %s: %w", m.ID, err)
	}
	m.StrikePrice = orc.StrikePrice
	m.FinalPrice = orc.FinalPrice
	return m, pool, nil
}

package machine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/machine"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner domain.Participant = "0xOwner"

var (
	t0       = time.Unix(1_700_000_000, 0)
	maturity = t0.Add(time.Hour)
)

type fixedOracle struct {
	price decimal.Decimal
	err   error
	calls int
}

func (o *fixedOracle) FinalPrice(context.Context, string) (decimal.Decimal, error) {
	o.calls++
	return o.price, o.err
}

func newMarket(t *testing.T) *machine.Machine {
	t.Helper()
	m, err := machine.New(domain.Market{
		ID:           "m1",
		TradingPair:  "BTCUSDT",
		StrikePrice:  decimal.NewFromInt(100),
		Phase:        domain.PhaseTrading,
		MaturityTime: maturity,
		FeeRateMilli: 10,
		Owner:        owner,
	})
	require.NoError(t, err)
	return m
}

func bidding(t *testing.T) *machine.Machine {
	t.Helper()
	m := newMarket(t)
	require.NoError(t, m.StartBidding(owner, t0))
	return m
}

// expired returns a market with long=300 (alice 100, bob 200), short=700 (carol)
// resolved LONG and moved to Expiry.
func expired(t *testing.T) *machine.Machine {
	t.Helper()
	m := bidding(t)
	_, err := m.Bid("alice", domain.SideLong, decimal.NewFromInt(100), t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = m.Bid("bob", domain.SideLong, decimal.NewFromInt(200), t0.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = m.Bid("carol", domain.SideShort, decimal.NewFromInt(700), t0.Add(3*time.Minute))
	require.NoError(t, err)

	require.NoError(t, m.Resolve(context.Background(), maturity, &fixedOracle{price: decimal.NewFromInt(105)}))
	require.NoError(t, m.Expire(maturity.Add(domain.ExpiryCooldown)))
	return m
}

func TestStartBidding(t *testing.T) {
	m := newMarket(t)

	err := m.StartBidding("mallory", t0)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	assert.Equal(t, domain.PhaseTrading, m.State().Market.Phase)

	require.NoError(t, m.StartBidding("0xowner", t0))
	st := m.State()
	assert.Equal(t, domain.PhaseBidding, st.Market.Phase)
	assert.True(t, st.Market.BiddingStartTime.Equal(t0))

	require.ErrorIs(t, m.StartBidding(owner, t0.Add(time.Second)), domain.ErrPhaseViolation)
	assert.True(t, m.State().Market.BiddingStartTime.Equal(t0), "start time must not move")
}

func TestBid_UpdatesPoolPositionAndSnapshots(t *testing.T) {
	m := bidding(t)

	snap, err := m.Bid("alice", domain.SideLong, decimal.NewFromInt(40), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, snap.Long.Equal(decimal.NewFromInt(40)))

	_, err = m.Bid("ALICE", domain.SideLong, decimal.NewFromInt(10), t0.Add(2*time.Minute))
	require.NoError(t, err)
	snap, err = m.Bid("bob", domain.SideShort, decimal.NewFromInt(25), t0.Add(3*time.Minute))
	require.NoError(t, err)

	st := m.State()
	assert.True(t, st.Pool.Long.Equal(decimal.NewFromInt(50)))
	assert.True(t, st.Pool.Short.Equal(decimal.NewFromInt(25)))
	assert.True(t, st.Position("alice").Long.Equal(decimal.NewFromInt(50)))
	assert.True(t, st.Position("bob").Short.Equal(decimal.NewFromInt(25)))
	require.Len(t, st.Snapshots, 3)
	assert.Equal(t, snap, st.Snapshots[2])
}

func TestBid_Rejections(t *testing.T) {
	m := newMarket(t)
	_, err := m.Bid("alice", domain.SideLong, decimal.NewFromInt(1), t0)
	assert.ErrorIs(t, err, domain.ErrPhaseViolation, "bid before Bidding")

	m = bidding(t)
	_, err = m.Bid("alice", domain.SideLong, decimal.Zero, t0)
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)
	_, err = m.Bid("alice", domain.Side("UP"), decimal.NewFromInt(1), t0)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	st := m.State()
	assert.True(t, st.Pool.Total().IsZero(), "rejected bids must not touch the pool")
	assert.Empty(t, st.Snapshots)
}

func TestResolve_GatedByMaturity(t *testing.T) {
	m := bidding(t)
	oracle := &fixedOracle{price: decimal.NewFromInt(99)}

	err := m.Resolve(context.Background(), maturity.Add(-time.Second), oracle)
	require.ErrorIs(t, err, domain.ErrPhaseViolation)
	assert.Zero(t, oracle.calls, "oracle must not be read when the gate is closed")

	require.NoError(t, m.Resolve(context.Background(), maturity, oracle))
	st := m.State()
	assert.Equal(t, domain.PhaseMaturity, st.Market.Phase)
	assert.True(t, st.Market.ResolveTime.Equal(maturity))
	require.NotNil(t, st.Market.FinalPrice)
	assert.True(t, st.Market.FinalPrice.Equal(decimal.NewFromInt(99)))
	assert.NoError(t, st.Market.Validate())
}

func TestResolve_OracleFailureKeepsBidding(t *testing.T) {
	m := bidding(t)
	before := m.State()

	err := m.Resolve(context.Background(), maturity, &fixedOracle{err: errors.New("all exchanges down")})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)

	err = m.Resolve(context.Background(), maturity, &fixedOracle{price: decimal.Zero})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)

	after := m.State()
	assert.Equal(t, domain.PhaseBidding, after.Market.Phase)
	assert.Nil(t, after.Market.FinalPrice)
	assert.True(t, after.Market.ResolveTime.IsZero())
	assert.Equal(t, before, after)
}

func TestExpire_Cooldown(t *testing.T) {
	m := bidding(t)
	require.NoError(t, m.Resolve(context.Background(), maturity, &fixedOracle{price: decimal.NewFromInt(1)}))

	require.ErrorIs(t, m.Expire(maturity.Add(25*time.Second)), domain.ErrPhaseViolation)
	assert.Equal(t, domain.PhaseMaturity, m.State().Market.Phase)

	require.NoError(t, m.Expire(maturity.Add(31*time.Second)))
	assert.Equal(t, domain.PhaseExpiry, m.State().Market.Phase)

	require.ErrorIs(t, m.Expire(maturity.Add(time.Hour)), domain.ErrPhaseViolation, "Expiry is terminal")
}

func TestClaim(t *testing.T) {
	m := expired(t)

	s, err := m.Claim("alice")
	require.NoError(t, err)
	assert.True(t, s.Net.Equal(decimal.NewFromInt(330)), "net = %s", s.Net)
	assert.True(t, m.State().Position("alice").Claimed)

	_, err = m.Claim("carol")
	assert.ErrorIs(t, err, domain.ErrNotAWinner)
	assert.False(t, m.State().Position("carol").Claimed)

	_, err = m.Claim("nobody")
	assert.ErrorIs(t, err, domain.ErrNotAWinner)
}

func TestClaim_IdempotentInEffect(t *testing.T) {
	m := expired(t)
	_, err := m.Claim("bob")
	require.NoError(t, err)
	before := m.State()

	_, err = m.Claim("bob")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, before, m.State())
}

func TestClaim_BeforeExpiry(t *testing.T) {
	m := bidding(t)
	_, err := m.Bid("alice", domain.SideLong, decimal.NewFromInt(1), t0)
	require.NoError(t, err)
	_, err = m.Claim("alice")
	assert.ErrorIs(t, err, domain.ErrPhaseViolation)
}

func TestState_CloneDoesNotAlias(t *testing.T) {
	m := expired(t)
	st := m.State()
	st.Positions["alice"] = domain.Position{Claimed: true}
	st.Snapshots[0].Long = decimal.NewFromInt(-1)
	*st.Market.FinalPrice = decimal.Zero

	fresh := m.State()
	assert.False(t, fresh.Position("alice").Claimed)
	assert.True(t, fresh.Snapshots[0].Long.Equal(decimal.NewFromInt(100)))
	assert.True(t, fresh.Market.FinalPrice.Equal(decimal.NewFromInt(105)))
}

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct{}

func (stubOracle) FinalPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(120), nil
}

// settledLedger returns a memory ledger holding market "m1": alice LONG 100,
// bob SHORT 100, resolved at 120 against a strike of 100 and expired.
func settledLedger(t *testing.T) (*memory.Ledger, func() time.Time) {
	t.Helper()
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return clock }
	l := memory.New(stubOracle{}, now)

	_, err := l.CreateMarket(ctx, domain.Market{
		ID:           "m1",
		TradingPair:  "BTCUSDT",
		StrikePrice:  decimal.NewFromInt(100),
		MaturityTime: clock.Add(time.Hour),
		FeeRateMilli: 10,
		Owner:        "owner",
	})
	require.NoError(t, err)

	owner, _ := l.Client(ctx, "m1", "owner")
	alice, _ := l.Client(ctx, "m1", "alice")
	bob, _ := l.Client(ctx, "m1", "bob")
	_, err = owner.StartBidding(ctx)
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	_, err = alice.Bid(ctx, domain.SideLong, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = bob.Bid(ctx, domain.SideShort, decimal.NewFromInt(100))
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	_, err = owner.ResolveMarket(ctx)
	require.NoError(t, err)
	clock = clock.Add(domain.ExpiryCooldown)
	_, err = owner.ExpireMarket(ctx)
	require.NoError(t, err)
	return l, now
}

func TestRun_List(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, l, now, []string{"list"}))
	assert.Contains(t, out.String(), "m1")
	assert.Contains(t, out.String(), "EXPIRY")
}

func TestRun_ShowReportsOutcome(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, l, now, []string{"show", "m1"}))
	assert.Contains(t, out.String(), "120")
	assert.Contains(t, out.String(), "LONG")
}

func TestRun_Preview(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, l, now, []string{"preview", "m1", "100"}))
	// fee 1, net 99, share 99*100/200
	assert.Contains(t, out.String(), "149.5")

	err := run(context.Background(), &out, l, now, []string{"preview", "m1", "ten"})
	assert.True(t, errors.Is(err, errUsage))
}

func TestRun_Series(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, l, now, []string{"series", "m1"}))
	assert.Contains(t, out.String(), "baseline")
	assert.Contains(t, out.String(), "final")
}

func TestRun_Claim(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, l, now, []string{"claim", "m1", "alice"}))
	assert.Contains(t, out.String(), "198")
	assert.Contains(t, out.String(), "claimable")

	out.Reset()
	require.NoError(t, run(context.Background(), &out, l, now, []string{"claim", "m1", "bob"}))
	assert.Contains(t, out.String(), "not a winner")
}

func TestRun_Errors(t *testing.T) {
	l, now := settledLedger(t)
	var out bytes.Buffer
	ctx := context.Background()

	assert.ErrorIs(t, run(ctx, &out, l, now, nil), errUsage)
	assert.ErrorIs(t, run(ctx, &out, l, now, []string{"show"}), errUsage)
	assert.ErrorIs(t, run(ctx, &out, l, now, []string{"bogus", "m1"}), errUsage)
	assert.ErrorIs(t, run(ctx, &out, l, now, []string{"show", "missing"}), domain.ErrMarketNotFound)
}

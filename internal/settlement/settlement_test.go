package settlement_test

import (
	"testing"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func pool(long, short string) domain.Pool {
	return domain.Pool{Long: d(long), Short: d(short)}
}

// ── Winner determination ─────────────────────────────────────────────────────

func TestWinningSide(t *testing.T) {
	assert.Equal(t, domain.SideLong, settlement.WinningSide(d("100"), d("100.01")))
	assert.Equal(t, domain.SideShort, settlement.WinningSide(d("100"), d("99.99")))
	// Ties finish "at or below" the strike.
	assert.Equal(t, domain.SideShort, settlement.WinningSide(d("100"), d("100")))
}

func TestOutcome_Unresolved(t *testing.T) {
	_, err := settlement.Outcome(domain.OracleReading{StrikePrice: d("1")})
	require.ErrorIs(t, err, domain.ErrPhaseViolation)
}

// ── Preview ──────────────────────────────────────────────────────────────────

func TestPreview_NoCounterparty(t *testing.T) {
	// bid 50 SHORT into an empty LONG side, 2.0% fee
	q, err := settlement.Preview(pool("0", "100"), domain.SideShort, d("50"), 20)
	require.NoError(t, err)

	assert.True(t, q.Fee.Equal(d("1")), "fee = %s", q.Fee)
	assert.True(t, q.Payout.Equal(d("49")), "payout = %s", q.Payout)
	assert.True(t, q.ProfitPct.Equal(d("-2")), "profitPct = %s", q.ProfitPct)
	assert.False(t, q.Counterparty)
}

func TestPreview_NoCounterpartyAlwaysLoses(t *testing.T) {
	for _, amt := range []string{"0.01", "1", "73.5", "100000"} {
		for _, milli := range []int64{1, 10, 25, 999} {
			q, err := settlement.Preview(pool("500", "0"), domain.SideLong, d(amt), milli)
			require.NoError(t, err)
			assert.True(t, q.Payout.Equal(d(amt).Sub(q.Fee)), "payout must equal amount-fee")
			assert.True(t, q.ProfitPct.IsNegative(), "profitPct must be negative, got %s", q.ProfitPct)
		}
	}
}

func TestPreview_WithCounterparty(t *testing.T) {
	// own=0 (SHORT), other=100 (LONG): payout = 50 + 49*100/50 = 148
	q, err := settlement.Preview(pool("100", "0"), domain.SideShort, d("50"), 20)
	require.NoError(t, err)

	assert.True(t, q.Counterparty)
	assert.True(t, q.Payout.Equal(d("148")), "payout = %s", q.Payout)
	assert.True(t, q.ProfitPct.Equal(d("196")), "profitPct = %s", q.ProfitPct)
}

func TestPreview_DilutedByOwnBid(t *testing.T) {
	// own=300, other=700, amount=100, 1%: payout = 100 + 99*700/400 = 273.25
	q, err := settlement.Preview(pool("300", "700"), domain.SideLong, d("100"), 10)
	require.NoError(t, err)
	assert.True(t, q.Payout.Equal(d("273.25")), "payout = %s", q.Payout)
}

func TestPreview_DoesNotMutatePool(t *testing.T) {
	p := pool("300", "700")
	_, err := settlement.Preview(p, domain.SideLong, d("100"), 10)
	require.NoError(t, err)
	assert.True(t, p.Long.Equal(d("300")))
	assert.True(t, p.Short.Equal(d("700")))
}

func TestPreview_RejectsBadInput(t *testing.T) {
	_, err := settlement.Preview(pool("1", "1"), domain.SideLong, decimal.Zero, 10)
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	_, err = settlement.Preview(pool("1", "1"), domain.SideLong, d("-5"), 10)
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	_, err = settlement.Preview(pool("1", "1"), domain.Side("UP"), d("5"), 10)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)
}

// ── Final settlement ─────────────────────────────────────────────────────────

func TestReward_Example(t *testing.T) {
	// long=300 short=700, 1%: 100 * 1000 / 300 = 333.33 gross, 330 net
	s, err := settlement.Reward(d("100"), pool("300", "700"), domain.SideLong, 10)
	require.NoError(t, err)

	assert.True(t, s.Gross.Equal(d("333.3333")), "gross = %s", s.Gross)
	assert.True(t, s.Net.Equal(d("330")), "net = %s", s.Net)
	assert.True(t, s.Fee.Equal(d("3.3333")), "fee = %s", s.Fee)
}

func TestReward_ConservesPool(t *testing.T) {
	tests := []struct {
		name    string
		winners []string
		losers  string
		milli   int64
	}{
		{"thirds", []string{"1", "1", "1"}, "1", 0},
		{"uneven", []string{"0.3333", "7", "12.01", "99.9999"}, "1234.5678", 10},
		{"single", []string{"42"}, "58", 25},
		{"no losers", []string{"5", "5"}, "0", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winTotal := decimal.Zero
			for _, w := range tt.winners {
				winTotal = winTotal.Add(d(w))
			}
			p := domain.Pool{Long: winTotal, Short: d(tt.losers)}

			paid := decimal.Zero
			for _, w := range tt.winners {
				s, err := settlement.Reward(d(w), p, domain.SideLong, tt.milli)
				require.NoError(t, err)
				paid = paid.Add(s.Net)
			}
			assert.True(t, paid.LessThanOrEqual(p.Total()),
				"paid %s exceeds pool %s", paid, p.Total())
		})
	}
}

func TestReward_RejectsImpossibleStake(t *testing.T) {
	_, err := settlement.Reward(d("400"), pool("300", "700"), domain.SideLong, 10)
	assert.Error(t, err)

	_, err = settlement.Reward(decimal.Zero, pool("300", "700"), domain.SideLong, 10)
	assert.ErrorIs(t, err, domain.ErrNotAWinner)
}

// ── Eligibility ──────────────────────────────────────────────────────────────

func TestEligibility(t *testing.T) {
	winner := domain.Position{Long: d("10")}
	assert.NoError(t, settlement.Eligibility(winner, domain.SideLong))
	assert.ErrorIs(t, settlement.Eligibility(winner, domain.SideShort), domain.ErrNotAWinner)
	assert.ErrorIs(t, settlement.Eligibility(domain.Position{}, domain.SideLong), domain.ErrNotAWinner)

	claimed := domain.Position{Long: d("10"), Claimed: true}
	assert.ErrorIs(t, settlement.Eligibility(claimed, domain.SideLong), domain.ErrAlreadyClaimed)
}

func TestClaimable(t *testing.T) {
	final := d("105")
	m := domain.Market{StrikePrice: d("100"), FinalPrice: &final, Phase: domain.PhaseExpiry, FeeRateMilli: 10}
	p := pool("300", "700")

	s, err := settlement.Claimable(m, p, domain.Position{Long: d("100")})
	require.NoError(t, err)
	assert.True(t, s.Net.Equal(d("330")))

	_, err = settlement.Claimable(m, p, domain.Position{Short: d("100")})
	assert.ErrorIs(t, err, domain.ErrNotAWinner)
}

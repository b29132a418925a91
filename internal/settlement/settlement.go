// Package settlement implements the pari-mutuel arithmetic of a strike-price
// market: winner determination, the non-committing bid preview and the final
// claimable reward.
//
// Fees are expressed per mille everywhere (10 = 1.0%), in both the preview
// and final settlement.
package settlement

import (
	"fmt"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/shopspring/decimal"
)

// PayoutScale is the number of decimal places payouts are rounded down to.
// Rounding down guarantees winners never collectively receive more than the
// pool.
const PayoutScale int32 = 4

var (
	mille   = decimal.NewFromInt(1000)
	hundred = decimal.NewFromInt(100)
)

// ──────────────────────────────────────────────────────────────────────────────
// Winner determination
// ──────────────────────────────────────────────────────────────────────────────

// WinningSide returns LONG when final finishes strictly above strike and
// SHORT otherwise. A tie (final == strike) goes to SHORT.
func WinningSide(strike, final decimal.Decimal) domain.Side {
	if final.GreaterThan(strike) {
		return domain.SideLong
	}
	return domain.SideShort
}

// Outcome returns the winning side of a resolved reading.
func Outcome(r domain.OracleReading) (domain.Side, error) {
	if r.FinalPrice == nil {
		return "", fmt.Errorf("settlement.Outcome: market not resolved: %w", domain.ErrPhaseViolation)
	}
	return WinningSide(r.StrikePrice, *r.FinalPrice), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Preview
// ──────────────────────────────────────────────────────────────────────────────

// Quote is the advisory result of a bid preview. It is an estimate: other
// bids landing between preview and submission change the real outcome.
type Quote struct {
	Side   domain.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Net    decimal.Decimal `json:"net"`
	Payout decimal.Decimal `json:"payout"`
	// ProfitPct is (payout-amount)/amount*100; negative when there is no
	// counterparty to draw from.
	ProfitPct decimal.Decimal `json:"profit_pct"`
	// Counterparty is false when the opposing side was empty.
	Counterparty bool `json:"counterparty"`
}

// Fee returns amount*feeRateMilli/1000.
func Fee(amount decimal.Decimal, feeRateMilli int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(feeRateMilli)).Div(mille)
}

// Preview computes what a bid of amount on side would pay if that side won,
// given the pool before the bid. The pool is not modified. The counterparty
// is the opposing side's total before the bid: bidding SHORT into
// long=100, short=0 draws on the 100 LONG and pays more than the stake.
func Preview(pool domain.Pool, side domain.Side, amount decimal.Decimal, feeRateMilli int64) (Quote, error) {
	if !side.IsValid() {
		return Quote{}, fmt.Errorf("settlement.Preview: %w", domain.ErrInvalidSide)
	}
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("settlement.Preview: %s: %w", amount, domain.ErrInsufficientStake)
	}

	fee := Fee(amount, feeRateMilli)
	net := amount.Sub(fee)
	own := pool.SideTotal(side)
	other := pool.SideTotal(side.Opposite())

	q := Quote{Side: side, Amount: amount, Fee: fee, Net: net}
	if other.IsZero() {
		// Nothing to win: the stake comes back minus the fee.
		q.Payout = net
		q.ProfitPct = decimal.NewFromInt(-feeRateMilli).Div(decimal.NewFromInt(10))
		return q, nil
	}

	q.Counterparty = true
	share := net.Mul(other).Div(own.Add(amount))
	q.Payout = amount.Add(share).RoundDown(PayoutScale)
	q.ProfitPct = q.Payout.Sub(amount).Div(amount).Mul(hundred).Round(2)
	return q, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Final settlement
// ──────────────────────────────────────────────────────────────────────────────

// Settlement is one winner's share of the pool.
type Settlement struct {
	Gross decimal.Decimal `json:"gross"`
	Fee   decimal.Decimal `json:"fee"`
	Net   decimal.Decimal `json:"net"`
}

// Reward redistributes the whole pool to a winning stake pro-rata:
//
//	gross = stake * (long + short) / winningTotal
//	net   = gross - gross*feeRateMilli/1000
//
// Net is computed with a single division and rounded down to PayoutScale.
func Reward(stake decimal.Decimal, pool domain.Pool, winning domain.Side, feeRateMilli int64) (Settlement, error) {
	if !stake.IsPositive() {
		return Settlement{}, fmt.Errorf("settlement.Reward: %w", domain.ErrNotAWinner)
	}
	winTotal := pool.SideTotal(winning)
	if winTotal.LessThan(stake) {
		return Settlement{}, fmt.Errorf("settlement.Reward: stake %s exceeds winning total %s", stake, winTotal)
	}

	numerator := stake.Mul(pool.Total())
	gross := numerator.Div(winTotal).RoundDown(PayoutScale)
	keep := mille.Sub(decimal.NewFromInt(feeRateMilli))
	net := numerator.Mul(keep).Div(winTotal.Mul(mille)).RoundDown(PayoutScale)

	return Settlement{Gross: gross, Fee: gross.Sub(net), Net: net}, nil
}

// Eligibility reports whether pos may claim against the winning side.
// A zero stake on the winning side or a prior claim is an ineligibility,
// not a fault.
func Eligibility(pos domain.Position, winning domain.Side) error {
	if pos.Claimed {
		return domain.ErrAlreadyClaimed
	}
	if !pos.StakeOn(winning).IsPositive() {
		return domain.ErrNotAWinner
	}
	return nil
}

// Claimable computes the reward pos would receive from a resolved market,
// or the ineligibility reason.
func Claimable(m domain.Market, pool domain.Pool, pos domain.Position) (Settlement, error) {
	winning, err := Outcome(m.Oracle())
	if err != nil {
		return Settlement{}, err
	}
	if err := Eligibility(pos, winning); err != nil {
		return Settlement{}, err
	}
	return Reward(pos.StakeOn(winning), pool, winning, m.FeeRateMilli)
}

// PercentSplit returns the LONG and SHORT shares of pool in percent,
// 50/50 when the pool is empty.
func PercentSplit(pool domain.Pool) (long, short decimal.Decimal) {
	return pool.LongPercent(), pool.ShortPercent()
}

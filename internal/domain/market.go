// Package domain defines the core entities of a strike-price binary-options
// market: the market itself, its LONG/SHORT pool, per-participant positions
// and the timestamped pool snapshots used to rebuild history.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// MarketID identifies one market on the ledger (contract address or row id).
type MarketID string

// Participant identifies a bettor or the market owner on the ledger.
type Participant string

// Equal compares two participants case-insensitively so that checksummed and
// lower-case hex addresses refer to the same account.
func (p Participant) Equal(other Participant) bool {
	return strings.EqualFold(string(p), string(other))
}

// Key is the canonical lower-case form used for map keys and storage.
func (p Participant) Key() Participant {
	return Participant(strings.ToLower(strings.TrimSpace(string(p))))
}

// Side is the direction a participant stakes on.
type Side string

const (
	SideLong  Side = "LONG"  // final price finishes strictly above strike
	SideShort Side = "SHORT" // final price finishes at or below strike
)

// IsValid returns true if the side is LONG or SHORT.
func (s Side) IsValid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the other side of the pool.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ParseSide accepts "long"/"short" in any case.
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
	return s, nil
}

// hundred is reused by every percentage computation.
var hundred = decimal.NewFromInt(100)

// ──────────────────────────────────────────────────────────────────────────────
// Pool
// ──────────────────────────────────────────────────────────────────────────────

// Pool holds the aggregate LONG and SHORT stake totals of a market.
type Pool struct {
	Long  decimal.Decimal `json:"long_total"  db:"long_total"`
	Short decimal.Decimal `json:"short_total" db:"short_total"`
}

// Total returns the sum of both sides.
func (p Pool) Total() decimal.Decimal {
	return p.Long.Add(p.Short)
}

// SideTotal returns the total staked on side s.
func (p Pool) SideTotal(s Side) decimal.Decimal {
	if s == SideLong {
		return p.Long
	}
	return p.Short
}

// Add returns a copy of the pool with amount added to side s.
func (p Pool) Add(s Side, amount decimal.Decimal) Pool {
	if s == SideLong {
		p.Long = p.Long.Add(amount)
	} else {
		p.Short = p.Short.Add(amount)
	}
	return p
}

// LongPercent returns the share of the pool staked on LONG (0–100).
// An empty pool is reported as an even 50/50 split.
func (p Pool) LongPercent() decimal.Decimal {
	total := p.Total()
	if total.IsZero() {
		return decimal.NewFromInt(50)
	}
	return p.Long.Div(total).Mul(hundred)
}

// ShortPercent is the complement of LongPercent, so the two always sum to 100.
func (p Pool) ShortPercent() decimal.Decimal {
	return hundred.Sub(p.LongPercent())
}

// ──────────────────────────────────────────────────────────────────────────────
// Position & snapshots
// ──────────────────────────────────────────────────────────────────────────────

// Position is one participant's stake in a market. The data model allows
// stakes on both sides even though clients usually only offer one.
type Position struct {
	Participant Participant     `json:"participant" db:"participant"`
	Long        decimal.Decimal `json:"long_stake"  db:"long_stake"`
	Short       decimal.Decimal `json:"short_stake" db:"short_stake"`
	Claimed     bool            `json:"claimed"     db:"claimed"`
}

// StakeOn returns the participant's stake on side s.
func (p Position) StakeOn(s Side) decimal.Decimal {
	if s == SideLong {
		return p.Long
	}
	return p.Short
}

// IsEmpty is true when nothing was staked on either side.
func (p Position) IsEmpty() bool {
	return p.Long.IsZero() && p.Short.IsZero()
}

// PositionSnapshot records the pool totals at one moment. Snapshots are
// immutable values ordered by Timestamp.
type PositionSnapshot struct {
	Timestamp time.Time       `json:"timestamp"   db:"recorded_at"`
	Long      decimal.Decimal `json:"long_total"  db:"long_total"`
	Short     decimal.Decimal `json:"short_total" db:"short_total"`
}

// Pool returns the totals carried by the snapshot.
func (s PositionSnapshot) Pool() Pool {
	return Pool{Long: s.Long, Short: s.Short}
}

// OracleReading is the strike price fixed at creation and the final price
// written once at resolution.
type OracleReading struct {
	StrikePrice decimal.Decimal  `json:"strike_price"`
	FinalPrice  *decimal.Decimal `json:"final_price"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Market
// ──────────────────────────────────────────────────────────────────────────────

// Market is one strike-price binary-options market.
type Market struct {
	ID               MarketID         `json:"id"                 db:"id"`
	TradingPair      string           `json:"trading_pair"       db:"trading_pair"`
	StrikePrice      decimal.Decimal  `json:"strike_price"       db:"strike_price"`
	FinalPrice       *decimal.Decimal `json:"final_price"        db:"final_price"`
	Phase            Phase            `json:"phase"              db:"phase"`
	BiddingStartTime time.Time        `json:"bidding_start_time" db:"bidding_start_time"`
	MaturityTime     time.Time        `json:"maturity_time"      db:"maturity_time"`
	ResolveTime      time.Time        `json:"resolve_time"       db:"resolve_time"` // zero until resolved
	FeeRateMilli     int64            `json:"fee_rate_milli"     db:"fee_rate_milli"`
	Owner            Participant      `json:"owner"              db:"owner"`
}

// Oracle returns the market's oracle reading.
func (m *Market) Oracle() OracleReading {
	return OracleReading{StrikePrice: m.StrikePrice, FinalPrice: m.FinalPrice}
}

// IsResolved is true once a final price has been recorded.
func (m *Market) IsResolved() bool {
	return m.Phase >= PhaseMaturity
}

// Gates evaluates every action predicate at now.
func (m *Market) Gates(now time.Time) Gates {
	return EvaluateGates(m.Phase, now, m.MaturityTime, m.ResolveTime)
}

// Validate checks the resolution invariants: ResolveTime is zero and
// FinalPrice is absent before Maturity, and FinalPrice is set from Maturity on.
func (m *Market) Validate() error {
	var errs []error
	if !m.Phase.IsValid() {
		errs = append(errs, fmt.Errorf("unknown phase %d", m.Phase))
	}
	if m.Phase < PhaseMaturity {
		if !m.ResolveTime.IsZero() {
			errs = append(errs, errors.New("resolve time set before maturity"))
		}
		if m.FinalPrice != nil {
			errs = append(errs, errors.New("final price set before maturity"))
		}
	} else if m.FinalPrice == nil {
		errs = append(errs, errors.New("final price missing after maturity"))
	}
	if m.FeeRateMilli < 0 || m.FeeRateMilli >= 1000 {
		errs = append(errs, fmt.Errorf("fee rate %d‰ out of range", m.FeeRateMilli))
	}
	if len(errs) > 0 {
		return fmt.Errorf("market %s: %w", m.ID, errors.Join(errs...))
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// MarketSummary: read model for WS pushes and API responses
// ──────────────────────────────────────────────────────────────────────────────

// MarketSummary is a derived, read-only view of a market and its pool.
type MarketSummary struct {
	Market       Market          `json:"market"`
	Pool         Pool            `json:"pool"`
	LongPercent  decimal.Decimal `json:"long_percent"`
	ShortPercent decimal.Decimal `json:"short_percent"`
	Gates        Gates           `json:"gates"`
	AsOf         time.Time       `json:"as_of"`
}

// Summarize builds a MarketSummary evaluated at now.
func Summarize(m Market, p Pool, now time.Time) MarketSummary {
	return MarketSummary{
		Market:       m,
		Pool:         p,
		LongPercent:  p.LongPercent(),
		ShortPercent: p.ShortPercent(),
		Gates:        m.Gates(now),
		AsOf:         now,
	}
}

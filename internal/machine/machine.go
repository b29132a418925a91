// Package machine holds the authoritative transitions of one market. It is a
// reducer: every operation validates against the current state first and only
// then applies its effects, so a rejected transition leaves the state exactly
// as it was.
//
// Machine is not safe for concurrent use; ledgers that share one guard it
// with their own lock or transaction.
package machine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/shopspring/decimal"
)

// PriceOracle supplies the final price at resolution.
type PriceOracle interface {
	FinalPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error)
}

// State is everything a market owns.
type State struct {
	Market    domain.Market
	Pool      domain.Pool
	Positions map[domain.Participant]domain.Position
	Snapshots []domain.PositionSnapshot
}

// Clone returns a deep copy so readers never alias the machine's maps.
func (s State) Clone() State {
	out := s
	if s.Market.FinalPrice != nil {
		fp := *s.Market.FinalPrice
		out.Market.FinalPrice = &fp
	}
	out.Positions = make(map[domain.Participant]domain.Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.Snapshots = slices.Clone(s.Snapshots)
	return out
}

// Position returns p's position, zero-valued if p never bid.
func (s State) Position(p domain.Participant) domain.Position {
	pos, ok := s.Positions[p.Key()]
	if !ok {
		return domain.Position{Participant: p.Key(), Long: decimal.Zero, Short: decimal.Zero}
	}
	return pos
}

// Machine applies transitions to a State.
type Machine struct {
	state State
}

// New validates m and returns a machine holding it with an empty pool.
func New(m domain.Market) (*Machine, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("machine.New: %w", err)
	}
	return Restore(State{Market: m, Pool: domain.Pool{Long: decimal.Zero, Short: decimal.Zero}}), nil
}

// Restore wraps previously persisted state.
func Restore(s State) *Machine {
	if s.Positions == nil {
		s.Positions = make(map[domain.Participant]domain.Position)
	}
	return &Machine{state: s}
}

// State returns a deep copy of the current state.
func (m *Machine) State() State {
	return m.state.Clone()
}

// ──────────────────────────────────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────────────────────────────────

// StartBidding moves Trading → Bidding and fixes the bidding start time.
func (m *Machine) StartBidding(caller domain.Participant, now time.Time) error {
	mk := &m.state.Market
	if !caller.Equal(mk.Owner) {
		return fmt.Errorf("machine.StartBidding: %w", domain.ErrNotOwner)
	}
	if mk.Phase != domain.PhaseTrading {
		return fmt.Errorf("machine.StartBidding: phase %s: %w", mk.Phase, domain.ErrPhaseViolation)
	}
	mk.Phase = domain.PhaseBidding
	mk.BiddingStartTime = now
	return nil
}

// Bid adds amount to side for caller and records the resulting pool snapshot.
func (m *Machine) Bid(caller domain.Participant, side domain.Side, amount decimal.Decimal, now time.Time) (domain.PositionSnapshot, error) {
	if !side.IsValid() {
		return domain.PositionSnapshot{}, fmt.Errorf("machine.Bid: %w", domain.ErrInvalidSide)
	}
	if !amount.IsPositive() {
		return domain.PositionSnapshot{}, fmt.Errorf("machine.Bid: %s: %w", amount, domain.ErrInsufficientStake)
	}
	if !domain.CanBid(m.state.Market.Phase) {
		return domain.PositionSnapshot{}, fmt.Errorf("machine.Bid: phase %s: %w", m.state.Market.Phase, domain.ErrPhaseViolation)
	}

	pos := m.state.Position(caller)
	if side == domain.SideLong {
		pos.Long = pos.Long.Add(amount)
	} else {
		pos.Short = pos.Short.Add(amount)
	}
	m.state.Positions[caller.Key()] = pos
	m.state.Pool = m.state.Pool.Add(side, amount)

	snap := domain.PositionSnapshot{Timestamp: now, Long: m.state.Pool.Long, Short: m.state.Pool.Short}
	m.state.Snapshots = append(m.state.Snapshots, snap)
	return snap, nil
}

// Resolve reads the final price from oracle and moves Bidding → Maturity.
// If the oracle fails the market stays in Bidding.
func (m *Machine) Resolve(ctx context.Context, now time.Time, oracle PriceOracle) error {
	mk := &m.state.Market
	if !domain.CanResolve(mk.Phase, now, mk.MaturityTime) {
		return fmt.Errorf("machine.Resolve: phase %s at %s (maturity %s): %w",
			mk.Phase, now.UTC().Format(time.RFC3339), mk.MaturityTime.UTC().Format(time.RFC3339), domain.ErrPhaseViolation)
	}

	price, err := oracle.FinalPrice(ctx, mk.TradingPair)
	if err != nil {
		return fmt.Errorf("machine.Resolve: %w: %w", domain.ErrOracleUnavailable, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("machine.Resolve: price %s: %w", price, domain.ErrOracleUnavailable)
	}

	mk.FinalPrice = &price
	mk.ResolveTime = now
	mk.Phase = domain.PhaseMaturity
	return nil
}

// Expire moves Maturity → Expiry once the dispute window has elapsed.
// Early attempts are rejected, never queued.
func (m *Machine) Expire(now time.Time) error {
	mk := &m.state.Market
	if !domain.CanExpire(mk.Phase, now, mk.ResolveTime) {
		return fmt.Errorf("machine.Expire: phase %s at %s: %w",
			mk.Phase, now.UTC().Format(time.RFC3339), domain.ErrPhaseViolation)
	}
	mk.Phase = domain.PhaseExpiry
	return nil
}

// Claim pays caller's winning stake once. The claimed flag flips only on
// success.
func (m *Machine) Claim(caller domain.Participant) (settlement.Settlement, error) {
	if !domain.CanClaim(m.state.Market.Phase) {
		return settlement.Settlement{}, fmt.Errorf("machine.Claim: phase %s: %w", m.state.Market.Phase, domain.ErrPhaseViolation)
	}
	pos := m.state.Position(caller)
	s, err := settlement.Claimable(m.state.Market, m.state.Pool, pos)
	if err != nil {
		return settlement.Settlement{}, fmt.Errorf("machine.Claim: %w", err)
	}
	pos.Claimed = true
	m.state.Positions[caller.Key()] = pos
	return s, nil
}

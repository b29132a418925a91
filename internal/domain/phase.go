package domain

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle stage of a market. Phases only ever move forward:
// Trading → Bidding → Maturity → Expiry.
type Phase uint8

const (
	PhaseTrading  Phase = iota // created, not yet accepting stakes
	PhaseBidding               // accepting LONG/SHORT stakes
	PhaseMaturity              // resolved, final price recorded, dispute window running
	PhaseExpiry                // settled, winners may claim
)

// ExpiryCooldown is the dispute window between resolution and expiry.
const ExpiryCooldown = 30 * time.Second

var phaseNames = [...]string{"TRADING", "BIDDING", "MATURITY", "EXPIRY"}

// String returns the upper-case phase name.
func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("PHASE(%d)", uint8(p))
}

// IsValid reports whether p is one of the four known phases.
func (p Phase) IsValid() bool {
	return p <= PhaseExpiry
}

// MarshalText implements encoding.TextMarshaler so phases render by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range phaseNames {
		if name == up {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// ──────────────────────────────────────────────────────────────────────────────
// Gating predicates
//
// Pure functions of (phase, now, maturity, resolve). None of them mutate
// state, so adapters may poll them freely.
// ──────────────────────────────────────────────────────────────────────────────

// CanBid is true only while the market is accepting stakes.
func CanBid(phase Phase) bool {
	return phase == PhaseBidding
}

// CanResolve is true once the market is in Bidding and maturity has passed.
func CanResolve(phase Phase, now, maturity time.Time) bool {
	return phase == PhaseBidding && !now.Before(maturity)
}

// CanExpire is true once the market was resolved at least ExpiryCooldown ago.
func CanExpire(phase Phase, now, resolveTime time.Time) bool {
	if phase != PhaseMaturity || resolveTime.IsZero() {
		return false
	}
	return !now.Before(resolveTime.Add(ExpiryCooldown))
}

// CanClaim is true only in the terminal Expiry phase.
func CanClaim(phase Phase) bool {
	return phase == PhaseExpiry
}

// Gates bundles every predicate evaluated at one instant.
type Gates struct {
	CanBid     bool `json:"can_bid"`
	CanResolve bool `json:"can_resolve"`
	CanExpire  bool `json:"can_expire"`
	CanClaim   bool `json:"can_claim"`
}

// EvaluateGates computes all predicates at now.
func EvaluateGates(phase Phase, now, maturity, resolveTime time.Time) Gates {
	return Gates{
		CanBid:     CanBid(phase),
		CanResolve: CanResolve(phase, now, maturity),
		CanExpire:  CanExpire(phase, now, resolveTime),
		CanClaim:   CanClaim(phase),
	}
}

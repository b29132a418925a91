package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
)

func TestPhase_Ordering(t *testing.T) {
	if !(domain.PhaseTrading < domain.PhaseBidding &&
		domain.PhaseBidding < domain.PhaseMaturity &&
		domain.PhaseMaturity < domain.PhaseExpiry) {
		t.Fatal("phases must be strictly ordered")
	}
}

func TestPhase_TextRoundTrip(t *testing.T) {
	b, err := json.Marshal(domain.PhaseMaturity)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"MATURITY"` {
		t.Errorf("Marshal = %s, want \"MATURITY\"", b)
	}
	var p domain.Phase
	if err := json.Unmarshal([]byte(`"expiry"`), &p); err != nil || p != domain.PhaseExpiry {
		t.Errorf("Unmarshal = %v, %v", p, err)
	}
	if _, err := domain.ParsePhase("settled"); err == nil {
		t.Error("ParsePhase should reject unknown names")
	}
}

func TestCanResolve_FalseBeforeMaturity(t *testing.T) {
	maturity := time.Unix(2000, 0)
	if domain.CanResolve(domain.PhaseBidding, maturity.Add(-time.Nanosecond), maturity) {
		t.Error("CanResolve should be false before maturity")
	}
	if !domain.CanResolve(domain.PhaseBidding, maturity, maturity) {
		t.Error("CanResolve should be true at maturity")
	}
	for _, p := range []domain.Phase{domain.PhaseTrading, domain.PhaseMaturity, domain.PhaseExpiry} {
		if domain.CanResolve(p, maturity.Add(time.Hour), maturity) {
			t.Errorf("CanResolve should be false in %s", p)
		}
	}
}

func TestCanExpire_CooldownExact(t *testing.T) {
	resolved := time.Unix(1000, 0)
	tests := []struct {
		now  int64
		want bool
	}{
		{1025, false},
		{1029, false},
		{1030, true},
		{1031, true},
	}
	for _, tt := range tests {
		got := domain.CanExpire(domain.PhaseMaturity, time.Unix(tt.now, 0), resolved)
		if got != tt.want {
			t.Errorf("CanExpire(now=%d) = %v, want %v", tt.now, got, tt.want)
		}
	}
	if domain.CanExpire(domain.PhaseMaturity, time.Unix(5000, 0), time.Time{}) {
		t.Error("CanExpire should be false when resolve time is unset")
	}
	if domain.CanExpire(domain.PhaseBidding, time.Unix(5000, 0), resolved) {
		t.Error("CanExpire should be false outside Maturity")
	}
}

func TestEvaluateGates(t *testing.T) {
	now := time.Unix(3000, 0)
	g := domain.EvaluateGates(domain.PhaseBidding, now, time.Unix(2000, 0), time.Time{})
	if !g.CanBid || !g.CanResolve || g.CanExpire || g.CanClaim {
		t.Errorf("bidding gates = %+v", g)
	}
	g = domain.EvaluateGates(domain.PhaseExpiry, now, time.Unix(2000, 0), time.Unix(2100, 0))
	if g.CanBid || g.CanResolve || g.CanExpire || !g.CanClaim {
		t.Errorf("expiry gates = %+v", g)
	}
}

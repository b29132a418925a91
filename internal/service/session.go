package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/settlement"
)

// Action names reported in ActionError.Op.
const (
	OpStartBidding = "startBidding"
	OpBid          = "bid"
	OpResolve      = "resolve"
	OpExpire       = "expire"
	OpClaim        = "claim"
)

// Session performs market actions for one caller. Every action is checked
// locally against the observed state first and rejected without a write
// when a predicate fails. Writes are never retried; failures come back as
// *domain.ActionError and leave the view untouched.
type Session struct {
	client ledger.Client
	view   *MarketView // optional; nil means every check does a fresh read
	now    func() time.Time
	logger *slog.Logger
}

// NewSession binds client to an optional view. now defaults to the view's
// clock source, then to time.Now.
func NewSession(client ledger.Client, view *MarketView, now func() time.Time, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil && view != nil {
		now = view.opts.Now
	}
	if now == nil {
		now = time.Now
	}
	return &Session{
		client: client,
		view:   view,
		now:    now,
		logger: logger.With("component", "session", "market", client.MarketID(), "caller", client.Caller()),
	}
}

// precheck evaluates check against the observed state. When a view is
// attached and the check fails, the view is refreshed once and the check
// repeated, so a lagging poll never blocks a legal action.
func (s *Session) precheck(ctx context.Context, check func(domain.Market, domain.Pool) error) (domain.Market, domain.Pool, error) {
	if s.view == nil {
		m, p, err := ledger.ReadMarket(ctx, s.client)
		if err != nil {
			return m, p, err
		}
		return m, p, check(m, p)
	}
	m, p := s.view.Market()
	if err := check(m, p); err == nil {
		return m, p, nil
	}
	if err := s.view.Refresh(ctx); err != nil {
		return m, p, err
	}
	m, p = s.view.Market()
	return m, p, check(m, p)
}

// after refreshes the view once a write has landed.
func (s *Session) after(ctx context.Context, op string, rcpt ledger.Receipt) {
	s.logger.Info("market action accepted", "op", op, "ref", rcpt.Ref)
	if s.view == nil {
		return
	}
	if err := s.view.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after write failed", "op", op, "err", err)
	}
}

// StartBidding opens the market for bids. Owner only.
func (s *Session) StartBidding(ctx context.Context) (ledger.Receipt, error) {
	_, _, err := s.precheck(ctx, func(m domain.Market, _ domain.Pool) error {
		if !s.client.Caller().Equal(m.Owner) {
			return domain.ErrNotOwner
		}
		if m.Phase != domain.PhaseTrading {
			return fmt.Errorf("phase %s: %w", m.Phase, domain.ErrPhaseViolation)
		}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpStartBidding, err)
	}
	rcpt, err := s.client.StartBidding(ctx)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpStartBidding, err)
	}
	s.after(ctx, OpStartBidding, rcpt)
	return rcpt, nil
}

// Bid stakes amount on side. side and amount are raw user input.
func (s *Session) Bid(ctx context.Context, side, amount string) (ledger.Receipt, error) {
	sd, err := domain.ParseSide(side)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpBid, err)
	}
	amt, err := parseAmount(amount)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpBid, err)
	}
	if _, _, err := s.precheck(ctx, func(m domain.Market, _ domain.Pool) error {
		if !domain.CanBid(m.Phase) {
			return fmt.Errorf("phase %s: %w", m.Phase, domain.ErrPhaseViolation)
		}
		return nil
	}); err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpBid, err)
	}
	rcpt, err := s.client.Bid(ctx, sd, amt)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpBid, err)
	}
	s.after(ctx, OpBid, rcpt)
	return rcpt, nil
}

// Resolve triggers resolution once maturity has passed. Anyone may call it.
func (s *Session) Resolve(ctx context.Context) (ledger.Receipt, error) {
	if _, _, err := s.precheck(ctx, func(m domain.Market, _ domain.Pool) error {
		if !domain.CanResolve(m.Phase, s.now(), m.MaturityTime) {
			return fmt.Errorf("phase %s, maturity %s: %w", m.Phase, m.MaturityTime.Format(time.RFC3339), domain.ErrPhaseViolation)
		}
		return nil
	}); err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpResolve, err)
	}
	rcpt, err := s.client.ResolveMarket(ctx)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpResolve, err)
	}
	s.after(ctx, OpResolve, rcpt)
	return rcpt, nil
}

// Expire closes the dispute window. Early attempts are rejected, not queued.
func (s *Session) Expire(ctx context.Context) (ledger.Receipt, error) {
	if _, _, err := s.precheck(ctx, func(m domain.Market, _ domain.Pool) error {
		if !domain.CanExpire(m.Phase, s.now(), m.ResolveTime) {
			return fmt.Errorf("phase %s, resolved %s: %w", m.Phase, m.ResolveTime.Format(time.RFC3339), domain.ErrPhaseViolation)
		}
		return nil
	}); err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpExpire, err)
	}
	rcpt, err := s.client.ExpireMarket(ctx)
	if err != nil {
		return ledger.Receipt{}, domain.NewActionError(OpExpire, err)
	}
	s.after(ctx, OpExpire, rcpt)
	return rcpt, nil
}

// Claim collects the caller's reward. The returned settlement is the payout
// computed locally from the observed pool.
func (s *Session) Claim(ctx context.Context) (ledger.Receipt, settlement.Settlement, error) {
	m, pool, err := s.precheck(ctx, func(m domain.Market, _ domain.Pool) error {
		if !domain.CanClaim(m.Phase) {
			return fmt.Errorf("phase %s: %w", m.Phase, domain.ErrPhaseViolation)
		}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, settlement.Settlement{}, domain.NewActionError(OpClaim, err)
	}
	pos, err := s.client.StakeOf(ctx, s.client.Caller())
	if err != nil {
		return ledger.Receipt{}, settlement.Settlement{}, domain.NewActionError(OpClaim, err)
	}
	payout, err := settlement.Claimable(m, pool, pos)
	if err != nil {
		return ledger.Receipt{}, settlement.Settlement{}, domain.NewActionError(OpClaim, err)
	}
	rcpt, err := s.client.ClaimReward(ctx)
	if err != nil {
		return ledger.Receipt{}, settlement.Settlement{}, domain.NewActionError(OpClaim, err)
	}
	s.after(ctx, OpClaim, rcpt)
	return rcpt, payout, nil
}

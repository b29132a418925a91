package handler

import (
	"net/http"

	"github.com/evetabi/strikemarket/internal/api/middleware"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/evetabi/strikemarket/internal/settlement"
	"github.com/gin-gonic/gin"
)

// ActionHandler serves the market lifecycle writes. Every route requires
// a JWT; the token subject is the acting participant.
type ActionHandler struct {
	reg *service.Registry
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(reg *service.Registry) *ActionHandler {
	return &ActionHandler{reg: reg}
}

// session opens a session for the caller on the :id market, writing the
// error response itself on failure.
func (h *ActionHandler) session(c *gin.Context) (*service.Session, bool) {
	s, err := h.reg.Session(c.Request.Context(), marketID(c), middleware.GetParticipant(c))
	if err != nil {
		respondDomainError(c, err)
		return nil, false
	}
	return s, true
}

// StartBidding godoc
// POST /api/markets/:id/start-bidding [JWT, owner]
func (h *ActionHandler) StartBidding(c *gin.Context) {
	h.run(c, func(s *service.Session) (ledger.Receipt, error) {
		return s.StartBidding(c.Request.Context())
	})
}

// Bid godoc
// POST /api/markets/:id/bid [JWT]
// Body: {"side":"LONG","amount":"100.5"}
func (h *ActionHandler) Bid(c *gin.Context) {
	var body struct {
		Side   string `json:"side"    binding:"required"`
		Amount string `json:"amount"  binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	h.run(c, func(s *service.Session) (ledger.Receipt, error) {
		return s.Bid(c.Request.Context(), body.Side, body.Amount)
	})
}

// Resolve godoc
// POST /api/markets/:id/resolve [JWT]
func (h *ActionHandler) Resolve(c *gin.Context) {
	h.run(c, func(s *service.Session) (ledger.Receipt, error) {
		return s.Resolve(c.Request.Context())
	})
}

// Expire godoc
// POST /api/markets/:id/expire [JWT]
func (h *ActionHandler) Expire(c *gin.Context) {
	h.run(c, func(s *service.Session) (ledger.Receipt, error) {
		return s.Expire(c.Request.Context())
	})
}

// claimResponse pairs the write receipt with the payout computed from the
// observed pool.
type claimResponse struct {
	Receipt ledger.Receipt        `json:"receipt"`
	Payout  settlement.Settlement `json:"payout"`
}

// Claim godoc
// POST /api/markets/:id/claim [JWT]
func (h *ActionHandler) Claim(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rcpt, payout, err := s.Claim(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, claimResponse{Receipt: rcpt, Payout: payout})
}

func (h *ActionHandler) run(c *gin.Context, fn func(*service.Session) (ledger.Receipt, error)) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rcpt, err := fn(s)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, rcpt)
}

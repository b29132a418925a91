package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/repository"
	"github.com/evetabi/strikemarket/internal/scheduler"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/gin-gonic/gin"
)

// AuditTrail is the optional ledger capability of listing accepted writes.
type AuditTrail interface {
	AuditTrail(ctx context.Context, id domain.MarketID, limit int) ([]repository.Action, error)
}

// MarketAdminHandler serves /admin/markets and /admin/keeper endpoints.
type MarketAdminHandler struct {
	reg    *service.Registry
	keeper *scheduler.Scheduler // nil when the keeper is disabled
	cfg    *config.Config
}

// NewMarketAdminHandler creates a MarketAdminHandler.
func NewMarketAdminHandler(reg *service.Registry, keeper *scheduler.Scheduler, cfg *config.Config) *MarketAdminHandler {
	return &MarketAdminHandler{reg: reg, keeper: keeper, cfg: cfg}
}

// List godoc
// GET /admin/markets?phase=BIDDING&page=1&limit=50
// Every market with its summary; phase filters on the observed phase.
func (h *MarketAdminHandler) List(c *gin.Context) {
	lister, ok := h.reg.Provider().(ledger.Lister)
	if !ok {
		respondError(c, http.StatusNotImplemented, "ERR_NOT_SUPPORTED", "this ledger cannot list markets")
		return
	}
	var want *domain.Phase
	if raw := c.Query("phase"); raw != "" {
		p, err := domain.ParsePhase(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "ERR_INVALID_PHASE", err.Error())
			return
		}
		want = &p
	}

	ctx := c.Request.Context()
	ids, err := lister.Markets(ctx)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	summaries := make([]domain.MarketSummary, 0, len(ids))
	for _, id := range ids {
		err := h.reg.With(ctx, id, func(v *service.MarketView) error {
			s := v.Summary()
			if want == nil || s.Market.Phase == *want {
				summaries = append(summaries, s)
			}
			return nil
		})
		if err != nil {
			respondDomainError(c, err)
			return
		}
	}

	page, limit := adminPagination(c)
	total := len(summaries)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	respondList(c, summaries[start:end], total, page, limit)
}

// Detail godoc
// GET /admin/markets/:id
// Summary, series source, whether a live view is running and, on ledgers
// that keep them, the per-participant positions and the audit trail.
func (h *MarketAdminHandler) Detail(c *gin.Context) {
	ctx := c.Request.Context()
	id := domain.MarketID(c.Param("id"))

	var out gin.H
	err := h.reg.With(ctx, id, func(v *service.MarketView) error {
		out = gin.H{
			"summary": v.Summary(),
			"source":  v.SourceName(),
			"series":  v.Series(),
		}
		return nil
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}

	out["live"] = false
	for _, active := range h.reg.Active() {
		if active == id {
			out["live"] = true
		}
	}

	if pl, ok := h.reg.Provider().(ledger.PositionLister); ok {
		positions, err := pl.ListPositions(ctx, id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		out["positions"] = positions
	}

	if at, ok := h.reg.Provider().(AuditTrail); ok {
		limit, _ := strconv.Atoi(c.DefaultQuery("actions", "100"))
		acts, err := at.AuditTrail(ctx, id, limit)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		out["actions"] = acts
	}
	respondSuccess(c, http.StatusOK, out)
}

// Resolve godoc
// POST /admin/markets/:id/resolve
// Resolves on behalf of the keeper identity.
func (h *MarketAdminHandler) Resolve(c *gin.Context) {
	s, ok := h.keeperSession(c)
	if !ok {
		return
	}
	rcpt, err := s.Resolve(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, rcpt)
}

// Expire godoc
// POST /admin/markets/:id/expire
func (h *MarketAdminHandler) Expire(c *gin.Context) {
	s, ok := h.keeperSession(c)
	if !ok {
		return
	}
	rcpt, err := s.Expire(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, rcpt)
}

// Sweep godoc
// POST /admin/keeper/sweep
// Runs one keeper pass immediately.
func (h *MarketAdminHandler) Sweep(c *gin.Context) {
	if h.keeper == nil {
		respondError(c, http.StatusServiceUnavailable, "ERR_KEEPER_DISABLED", "the keeper is not enabled")
		return
	}
	respondSuccess(c, http.StatusOK, h.keeper.Sweep(c.Request.Context()))
}

func (h *MarketAdminHandler) keeperSession(c *gin.Context) (*service.Session, bool) {
	caller := domain.Participant(h.cfg.Keeper.Caller)
	if caller == "" {
		respondError(c, http.StatusServiceUnavailable, "ERR_KEEPER_DISABLED", "KEEPER_CALLER is not configured")
		return nil, false
	}
	id := domain.MarketID(c.Param("id"))
	slog.Info("backoffice: manual transition",
		"operator", c.GetString("operator"), "market", id, "path", c.FullPath())
	s, err := h.reg.Session(c.Request.Context(), id, caller)
	if err != nil {
		respondDomainError(c, err)
		return nil, false
	}
	return s, true
}

package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/evetabi/strikemarket/internal/api/middleware"
	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/ledger"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MarketHandler serves market query endpoints.
type MarketHandler struct {
	reg     *service.Registry
	lister  ledger.Lister  // nil when the ledger cannot enumerate
	creator ledger.Creator // nil when markets are deployed elsewhere
}

// NewMarketHandler creates a MarketHandler. The lister and creator
// capabilities are picked up from the registry's provider.
func NewMarketHandler(reg *service.Registry) *MarketHandler {
	h := &MarketHandler{reg: reg}
	if reg != nil {
		h.lister, _ = reg.Provider().(ledger.Lister)
		h.creator, _ = reg.Provider().(ledger.Creator)
	}
	return h
}

// ListMarkets godoc
// GET /api/markets?page=1&limit=20
func (h *MarketHandler) ListMarkets(c *gin.Context) {
	if h.lister == nil {
		respondError(c, http.StatusNotImplemented, "ERR_NOT_SUPPORTED", "this ledger cannot list markets")
		return
	}
	ids, err := h.lister.Markets(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	page, limit := parsePagination(c)
	total := len(ids)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	respondList(c, ids[start:end], total, page, limit)
}

// GetByID godoc
// GET /api/markets/:id
func (h *MarketHandler) GetByID(c *gin.Context) {
	var sum domain.MarketSummary
	err := h.reg.With(c.Request.Context(), marketID(c), func(v *service.MarketView) error {
		sum = v.Summary()
		return nil
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, sum)
}

// Preview godoc
// GET /api/markets/:id/preview?side=LONG&amount=100
func (h *MarketHandler) Preview(c *gin.Context) {
	side, err := domain.ParseSide(c.Query("side"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	var out interface{}
	err = h.reg.With(c.Request.Context(), marketID(c), func(v *service.MarketView) error {
		q, err := v.Preview(side, c.Query("amount"))
		out = q
		return err
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// seriesResponse is the position history of one market.
type seriesResponse struct {
	Source string          `json:"source"`
	Points []history.Point `json:"points"`
}

// History godoc
// GET /api/markets/:id/history
func (h *MarketHandler) History(c *gin.Context) {
	var out seriesResponse
	err := h.reg.With(c.Request.Context(), marketID(c), func(v *service.MarketView) error {
		out = seriesResponse{Source: v.SourceName(), Points: v.Series()}
		return nil
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// Position godoc
// GET /api/markets/:id/position [JWT]
func (h *MarketHandler) Position(c *gin.Context) {
	caller := middleware.GetParticipant(c)
	var out service.PositionReport
	err := h.reg.With(c.Request.Context(), marketID(c), func(v *service.MarketView) error {
		rep, err := v.Position(c.Request.Context(), caller)
		out = rep
		return err
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// CreateMarket godoc
// POST /api/markets [JWT]
// Body: {"trading_pair":"BTCUSDT","strike_price":"65000","maturity_time":"2026-01-01T00:00:00Z","fee_rate_milli":20}
// The caller becomes the market owner.
func (h *MarketHandler) CreateMarket(c *gin.Context) {
	if h.creator == nil {
		respondError(c, http.StatusNotImplemented, "ERR_NOT_SUPPORTED", "this ledger cannot create markets")
		return
	}

	var body struct {
		ID           string    `json:"id"`
		TradingPair  string    `json:"trading_pair"   binding:"required"`
		StrikePrice  string    `json:"strike_price"   binding:"required"`
		MaturityTime time.Time `json:"maturity_time"  binding:"required"`
		FeeRateMilli int64     `json:"fee_rate_milli"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	strike, err := decimal.NewFromString(body.StrikePrice)
	if err != nil || !strike.IsPositive() {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_STRIKE", "strike_price must be a positive decimal string")
		return
	}
	if body.FeeRateMilli < 0 || body.FeeRateMilli >= 1000 {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_FEE", "fee_rate_milli must be between 0 and 999")
		return
	}

	id, err := h.creator.CreateMarket(c.Request.Context(), domain.Market{
		ID:           domain.MarketID(body.ID),
		TradingPair:  body.TradingPair,
		StrikePrice:  strike,
		MaturityTime: body.MaturityTime.UTC(),
		FeeRateMilli: body.FeeRateMilli,
		Owner:        middleware.GetParticipant(c),
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
			return
		}
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"id": id})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func marketID(c *gin.Context) domain.MarketID {
	return domain.MarketID(c.Param("id"))
}

func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return
}

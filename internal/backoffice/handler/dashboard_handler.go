package handler

import (
	"net/http"
	"time"

	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/evetabi/strikemarket/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// DashboardHandler serves the /admin/dashboard endpoint.
type DashboardHandler struct {
	reg    *service.Registry
	prices *oracle.PriceService
	hub    *ws.Hub
	cfg    *config.Config
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(reg *service.Registry, prices *oracle.PriceService, hub *ws.Hub, cfg *config.Config) *DashboardHandler {
	return &DashboardHandler{reg: reg, prices: prices, hub: hub, cfg: cfg}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now().UTC()

	// ── Live markets ──────────────────────────────────────────────────────────
	active := h.reg.Active()
	live := make([]gin.H, 0, len(active))
	for _, id := range active {
		_ = h.reg.With(ctx, id, func(v *service.MarketView) error {
			s := v.Summary()
			entry := gin.H{
				"id":             s.Market.ID,
				"phase":          s.Market.Phase,
				"trading_pair":   s.Market.TradingPair,
				"strike_price":   s.Market.StrikePrice,
				"pool_long":      s.Pool.Long,
				"pool_short":     s.Pool.Short,
				"total_pool":     s.Pool.Total(),
				"long_pct":       s.LongPercent,
				"short_pct":      s.ShortPercent,
				"gates":          s.Gates,
				"time_left_sec":  max(int64(s.Market.MaturityTime.Sub(now).Seconds()), 0),
				"series_source":  v.SourceName(),
				"risk_indicator": riskIndicator(s.LongPercent, s.ShortPercent),
			}
			// spot vs strike, only from cache: the dashboard never hits an exchange
			if h.prices != nil {
				if spot, ok := h.prices.GetCachedPrice(s.Market.TradingPair); ok {
					entry["spot_price"] = spot
				}
			}
			live = append(live, entry)
			return nil
		})
	}

	// ── WS connections ────────────────────────────────────────────────────────
	var wsConnections int
	if h.hub != nil {
		wsConnections = h.hub.ConnectedCount()
	}

	var exchanges map[string]bool
	if h.prices != nil {
		exchanges = h.prices.ExchangeStatus()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"timestamp":       now,
		"ledger":          h.cfg.Ledger.Driver,
		"cache":           h.cfg.Cache.Driver,
		"keeper_enabled":  h.cfg.Keeper.Enabled,
		"live_markets":    live,
		"exchange_status": exchanges,
		"ws_connections":  wsConnections,
	})
}

// riskIndicator returns GREEN/YELLOW/RED based on pool imbalance. A heavily
// one-sided pool leaves little to win on the crowded side.
func riskIndicator(longPct, shortPct decimal.Decimal) string {
	dominant := longPct
	if shortPct.GreaterThan(longPct) {
		dominant = shortPct
	}
	switch {
	case dominant.GreaterThan(decimal.NewFromInt(85)):
		return "RED"
	case dominant.GreaterThan(decimal.NewFromInt(70)):
		return "YELLOW"
	default:
		return "GREEN"
	}
}

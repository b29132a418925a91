package handler

import (
	"net/http"

	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/gin-gonic/gin"
)

// RiskHandler serves /admin/oracle endpoints: the health of the price feed
// that resolution depends on.
type RiskHandler struct {
	prices *oracle.PriceService
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(prices *oracle.PriceService) *RiskHandler {
	return &RiskHandler{prices: prices}
}

// ExchangeStatus godoc
// GET /admin/oracle/exchange-status
func (h *RiskHandler) ExchangeStatus(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"exchanges": h.prices.ExchangeStatus()})
}

// Price godoc
// GET /admin/oracle/price/:pair?cached=true
// Fetches the weighted price a resolution would use right now. With
// cached=true it only reports the cached price and never calls an exchange.
func (h *RiskHandler) Price(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	pair := c.Param("pair")
	if _, err := oracle.ParsePair(pair); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_PAIR", err.Error())
		return
	}
	if c.Query("cached") == "true" {
		price, ok := h.prices.GetCachedPrice(pair)
		respondSuccess(c, http.StatusOK, gin.H{"pair": pair, "cached": ok, "price": price})
		return
	}
	price, sources, err := h.prices.GetWeightedPrice(c.Request.Context(), pair)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"pair":           pair,
		"weighted_price": price,
		"sources":        sources,
		"error":          errMsg,
	})
}

func (h *RiskHandler) ready(c *gin.Context) bool {
	if h.prices == nil {
		respondError(c, http.StatusServiceUnavailable, "ERR_NO_ORACLE", "no price oracle configured")
		return false
	}
	return true
}

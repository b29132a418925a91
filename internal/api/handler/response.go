package handler

import (
	"errors"
	"net/http"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard response helpers
// ──────────────────────────────────────────────────────────────────────────────

// respondSuccess writes {"success": true, "data": data} with the given status.
func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError writes {"success": false, "error": msg, "code": code}.
func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondList writes {"success": true, "data": items, "meta": {...}}.
func respondList(c *gin.Context, items interface{}, total, page, limit int) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    items,
		"meta": gin.H{
			"total": total,
			"page":  page,
			"limit": limit,
		},
	})
}

// kindStatus maps an error kind to the HTTP status the API reports.
var kindStatus = map[domain.Kind]int{
	domain.KindPhaseViolation:    http.StatusConflict,
	domain.KindOracleUnavailable: http.StatusServiceUnavailable,
	domain.KindAlreadyClaimed:    http.StatusConflict,
	domain.KindNotAWinner:        http.StatusUnprocessableEntity,
	domain.KindNetwork:           http.StatusBadGateway,
	domain.KindInsufficientStake: http.StatusBadRequest,
	domain.KindInvalidSide:       http.StatusBadRequest,
	domain.KindNotOwner:          http.StatusForbidden,
	domain.KindNotFound:          http.StatusNotFound,
	domain.KindUnauthorized:      http.StatusUnauthorized,
}

// respondDomainError classifies err and writes the matching envelope. The
// code is the error kind so clients can switch on it.
func respondDomainError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, domain.ErrForbidden) {
		status = http.StatusForbidden
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if domain.IsRetryable(err) {
		c.Header("Retry-After", "1")
	}
	respondError(c, status, string(kind), msg)
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxParticipant = "participant"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware validates the HS256 Bearer token in the Authorization header.
// Tokens are issued elsewhere; the subject is the participant's ledger
// identity. On success the participant is stored in the gin context.
func JWTMiddleware(secret []byte, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			abortUnauthorized(c, domain.ErrUnauthorized.Error())
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		var claims jwt.RegisteredClaims
		tok, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !tok.Valid {
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		if strings.TrimSpace(claims.Subject) == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}

		c.Set(CtxParticipant, domain.Participant(claims.Subject))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
		"code":    string(domain.KindUnauthorized),
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper: extract the participant from context
// ──────────────────────────────────────────────────────────────────────────────

// GetParticipant retrieves the authenticated participant from the gin
// context. Returns "" if the middleware was not applied.
func GetParticipant(c *gin.Context) domain.Participant {
	v, exists := c.Get(CtxParticipant)
	if !exists {
		return ""
	}
	p, _ := v.(domain.Participant)
	return p
}

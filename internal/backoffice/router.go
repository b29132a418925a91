// Package backoffice serves the operator API: live market state, the audit
// trail, manual resolution and the health of the price oracle.
package backoffice

import (
	"net/http"
	"strings"

	"github.com/evetabi/strikemarket/internal/backoffice/handler"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/evetabi/strikemarket/internal/scheduler"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/evetabi/strikemarket/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// BackofficeDeps bundles every dependency needed for the admin router.
type BackofficeDeps struct {
	Registry *service.Registry
	Keeper   *scheduler.Scheduler // nil when disabled
	Prices   *oracle.PriceService
	Hub      *ws.Hub
	Cfg      *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine, served on its own port.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	dashH := handler.NewDashboardHandler(deps.Registry, deps.Prices, deps.Hub, deps.Cfg)
	marketH := handler.NewMarketAdminHandler(deps.Registry, deps.Keeper, deps.Cfg)
	riskH := handler.NewRiskHandler(deps.Prices)

	jwtMW := adminJWTMiddleware([]byte(deps.Cfg.JWT.Secret))

	admin := r.Group("/admin")
	admin.Use(jwtMW)
	{
		admin.GET("/dashboard", dashH.Dashboard)

		// Markets
		m := admin.Group("/markets")
		{
			m.GET("", marketH.List)
			m.GET("/:id", marketH.Detail)
			m.POST("/:id/resolve", marketH.Resolve)
			m.POST("/:id/expire", marketH.Expire)
		}

		// Keeper
		admin.POST("/keeper/sweep", marketH.Sweep)

		// Oracle
		o := admin.Group("/oracle")
		{
			o.GET("/exchange-status", riskH.ExchangeStatus)
			o.GET("/price/:pair", riskH.Price)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// An empty allowlist allows all.
func ipWhitelistMiddleware(allowedIPs []string) gin.HandlerFunc {
	if len(allowedIPs) == 0 {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool)
	for _, ip := range allowedIPs {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = true
		}
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !allowed[clientIP] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: your IP is not whitelisted",
			})
			return
		}
		c.Next()
	}
}

// ── Admin JWT middleware ──────────────────────────────────────────────────────

// adminClaims are the registered claims plus the operator role.
type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// adminJWTMiddleware validates a JWT and requires the caller to have a
// backoffice-capable role.
func adminJWTMiddleware(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	backofficeRoles := map[string]bool{
		"admin":    true,
		"ops":      true,
		"readonly": true,
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var claims adminClaims
		tok, err := parser.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !tok.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if !backofficeRoles[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		// readonly operators may look but not act
		if claims.Role == "readonly" && c.Request.Method != http.MethodGet {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Set("operator", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

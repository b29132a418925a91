package api

import (
	"net/http"

	"github.com/evetabi/strikemarket/internal/api/handler"
	"github.com/evetabi/strikemarket/internal/api/middleware"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/evetabi/strikemarket/internal/ws"
	"github.com/gin-gonic/gin"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Registry *service.Registry
	Hub      *ws.Hub
	Cfg      *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if deps.Registry != nil {
			body["active_views"] = len(deps.Registry.Active())
		}
		if deps.Hub != nil {
			body["ws_clients"] = deps.Hub.ConnectedCount()
		}
		c.JSON(http.StatusOK, body)
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	marketH := handler.NewMarketHandler(deps.Registry)
	actionH := handler.NewActionHandler(deps.Registry)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware([]byte(deps.Cfg.JWT.Secret), deps.Cfg.JWT.Issuer)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	rps, burst := deps.Cfg.Server.RateLimitRPS, deps.Cfg.Server.RateBurst
	if rps <= 0 {
		rps = 10
	}
	readRL := middleware.RateLimitMiddleware(rps*3, burst*3)
	writeRL := middleware.RateLimitMiddleware(rps, burst)

	api := r.Group("/api")
	{
		// ── Markets (public) ─────────────────────────────────────────────────
		markets := api.Group("/markets")
		markets.Use(readRL)
		{
			markets.GET("", marketH.ListMarkets)
			markets.GET("/:id", marketH.GetByID)
			markets.GET("/:id/preview", marketH.Preview)
			markets.GET("/:id/history", marketH.History)
		}

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("/markets")
		authed.Use(jwtMW, writeRL)
		{
			authed.POST("", marketH.CreateMarket)
			authed.GET("/:id/position", marketH.Position)
			authed.POST("/:id/start-bidding", actionH.StartBidding)
			authed.POST("/:id/bid", actionH.Bid)
			authed.POST("/:id/resolve", actionH.Resolve)
			authed.POST("/:id/expire", actionH.Expire)
			authed.POST("/:id/claim", actionH.Claim)
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In DEBUG mode all origins are allowed; in production only configured origins.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			// Development: allow any origin
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

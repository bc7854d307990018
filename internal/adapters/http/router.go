package http

import (
	"context"
	"net/http"

	"github.com/dkeye/sfu-signaling/internal/adapters/signal"
	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/app/orch"
	"github.com/dkeye/sfu-signaling/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

// ClientTokenMiddleware tags every request with a stable per-browser token
// kept in the session cookie. It is used for logs and rate limiting only.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// OriginFilter rejects browsers from origins not listed. "*" allows all;
// requests without an Origin header are let through.
func OriginFilter(allowed []string) gin.HandlerFunc {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if _, ok := set[origin]; !ok && !allowAll {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
			return
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func health(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		code, status, engine := http.StatusOK, "ok", "alive"
		if !o.Accepting() {
			code, status, engine = http.StatusServiceUnavailable, "degraded", "dead"
		}
		c.JSON(code, gin.H{
			"status":    status,
			"engine":    engine,
			"sessions":  o.Sessions.Count(),
			"resources": o.Registry.Stats(),
		})
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(OriginFilter(cfg.AllowedOrigins))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SignalSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/health", health(o))

	ctrl := signal.NewSignalWSController(o, app.SimplePolicy{}, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})
	limiter := NewConnectLimiter(cfg.ConnectRate.Limit, cfg.ConnectRate.Interval)

	r.GET(cfg.WSPath, limiter.Middleware(), func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("ws", cfg.WSPath).Msg("router setup")
	return r
}

package http

import (
	"context"

	"github.com/dkeye/swarm-relay/internal/adapters/signal"
	"github.com/dkeye/swarm-relay/internal/app"
	"github.com/dkeye/swarm-relay/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the session cookie so
// log lines from several sockets of one browser can be correlated.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET(cfg.HealthPath, handleHealth)

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		if cfg.WSPath != "/" {
			r.GET("/", func(c *gin.Context) {
				c.File(cfg.StaticPath + "/index.html")
			})
		}
	}

	api := r.Group("/api")
	api.GET("/status", handleStatus(relay))

	ctrl := signal.NewClientWSController(relay, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})
	r.GET(cfg.WSPath, func(c *gin.Context) {
		ctrl.HandleClient(ctx, c)
	})

	log.Info().
		Str("module", "adapters.http").
		Str("ws", cfg.WSPath).
		Str("health", cfg.HealthPath).
		Str("static", cfg.StaticPath).
		Msg("router setup")
	return r
}

package http

import (
	"context"
	"net/http"

	"github.com/dkeye/meshconf/internal/adapters/signal"
	"github.com/dkeye/meshconf/internal/app/relay"
	"github.com/dkeye/meshconf/internal/config"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const usernameKey = "username"

// UsernameMiddleware resolves the display name from ?username= or the session
// cookie, and remembers a newly supplied one.
func UsernameMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		name := c.Query(usernameKey)
		if name != "" {
			sess.Set(usernameKey, name)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		} else if v, ok := sess.Get(usernameKey).(string); ok {
			name = v
		}
		c.Set(usernameKey, name)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshconfSessions", store))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "participants": hub.Len()})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(hub, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})

	api := r.Group("/api")

	api.GET("/ws/signal", UsernameMiddleware(), func(c *gin.Context) {
		name := c.GetString(usernameKey)
		if name != "" {
			if _, err := domain.NewParticipant("", name); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		log.Info().Str("module", "adapters.http").Str("username", name).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, name)
	})

	api.GET("/conferences", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Conferences())
	})

	api.GET("/participants", func(c *gin.Context) {
		peers, err := hub.Peers(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("list participants")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, peers)
	})

	return r
}

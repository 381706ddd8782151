package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/circlechat/internal/adapters/signal"
	"github.com/dkeye/circlechat/internal/auth"
	"github.com/dkeye/circlechat/internal/config"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

func bearer(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	h := c.GetHeader("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

// IdentityMiddleware resolves the caller from a bearer token. Requests without
// one get a development identity tied to a session-held client token.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearer(c); tok != "" {
			user, ok := auth.UserFromToken(tok)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
				return
			}
			c.Set(signal.UserKey, user)
			c.Next()
			return
		}

		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		user, err := domain.NewUser(domain.UserID(string(auth.DevUserID)+"-"+token[:8]), "")
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set("client_token", token)
		c.Set(signal.UserKey, user)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.ServerConfig, rooms core.RoomManager, hub *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CircleChatSessions", store))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, rooms.List())
	})
	api.GET("/rooms/:group_id", func(c *gin.Context) {
		room, ok := rooms.Get(domain.GroupID(c.Param("group_id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"group_id": room.Group().ID,
			"members":  room.MembersSnapshot(),
			"in_call":  room.CallMembers(),
		})
	})
	api.DELETE("/rooms/:group_id", func(c *gin.Context) {
		if !hub.EvictRoom(domain.GroupID(c.Param("group_id"))) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/ws/:group_id", IdentityMiddleware(), func(c *gin.Context) {
		log.Info().
			Str("module", "adapters.http").
			Str("group", c.Param("group_id")).
			Msg("ws signal endpoint hit")
		hub.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"tiflis-relay-lite/internal/auth"
	"tiflis-relay-lite/internal/broadcast"
	"tiflis-relay-lite/internal/config"
	"tiflis-relay-lite/internal/handler"
	"tiflis-relay-lite/internal/middleware"
	"tiflis-relay-lite/internal/registry"
	"tiflis-relay-lite/internal/relay"
	"tiflis-relay-lite/internal/session"
	"tiflis-relay-lite/internal/store"
	"tiflis-relay-lite/internal/subscription"
)

// Version of the workstation daemon, announced in auth.success and /health.
const Version = "0.1.0"

// Components are the wired pieces of a running workstation. Router serves
// both the REST plane and the /ws tunnel endpoint.
type Components struct {
	Router   *gin.Engine
	Relay    *relay.Server
	Sessions *session.Manager
	Store    *store.Store
}

func Build(cfg config.Config, st *store.Store) Components {
	tokenConfig := auth.TokenConfig{
		Secret: cfg.TokenSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "tiflis-relay-lite",
	}

	reg := registry.New()
	sessions := session.NewManager()
	subs := subscription.NewService(reg, sessions, st)
	bcast := broadcast.New(reg, subs)

	relaySrv := relay.NewServer(relay.Deps{
		TunnelID:        cfg.TunnelID,
		AuthKey:         cfg.AuthKey,
		WorkstationName: cfg.WorkstationName,
		Version:         Version,
		WorkspacesRoot:  cfg.WorkspacesRoot,
		Registry:        reg,
		Sessions:        sessions,
		Subscriptions:   subs,
		Store:           st,
		Broadcaster:     bcast,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true, "name": cfg.WorkstationName, "version": Version})
	})

	tokenLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{
		AuthKey:     cfg.AuthKey,
		TokenConfig: tokenConfig,
	}
	r.POST("/v1/auth", middleware.RateLimitMiddleware(tokenLimiter), authHandler.Token)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(tokenConfig))

	sessionHandler := &handler.SessionHandler{
		Sessions:      sessions,
		Subscriptions: subs,
		Store:         st,
		Relay:         relaySrv,
	}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.Create)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.POST("/sessions/:id/output", sessionHandler.Output)

	r.GET("/ws", gin.WrapH(relaySrv))

	return Components{
		Router:   r,
		Relay:    relaySrv,
		Sessions: sessions,
		Store:    st,
	}
}

// Package handler is the gin-backed HTTP/WebSocket gateway: the chat
// turn endpoint, operator/ghost/session administration, and a live
// job-log feed served over SSE.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostmesh/ghostmesh/internal/app"
)

// Deps holds what route registration needs.
type Deps struct {
	App       *app.App
	AuthToken string
}

// NewRouter builds the gin engine with middleware and the /v1 routes.
func NewRouter(deps *Deps) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(corsMiddleware())
	if deps.AuthToken != "" {
		g.Use(bearerAuth(deps.AuthToken))
	}

	chat := &chatHandler{app: deps.App}
	admin := &adminHandler{app: deps.App}
	jobs := &jobLogHandler{app: deps.App}
	ws := &wsHandler{app: deps.App}

	v1 := g.Group("/v1")
	{
		v1.POST("/chat", chat.Handle)
		v1.GET("/ws", ws.Handle)

		v1.POST("/operators", admin.CreateOperator)
		v1.GET("/operators", admin.ListOperators)
		v1.POST("/operators/:id/status", admin.SetOperatorStatus)

		v1.POST("/ghosts", admin.CreateGhost)
		v1.GET("/ghosts", admin.ListGhosts)

		v1.GET("/ghosts/:name/sessions", admin.ListSessions)
		v1.GET("/sessions/:id", admin.GetSession)

		v1.GET("/jobs", jobs.List)
		v1.GET("/jobs/:id", jobs.Get)
		v1.GET("/jobs/feed", jobs.Feed)
	}

	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return g
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Operator-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	const prefix = "Bearer "
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix || h[len(prefix):] != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

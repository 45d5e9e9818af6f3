// Package http exposes the websocket gateway, health and metrics endpoints.
package http

import (
	"net/http"
	"strings"
	"time"

	"anna/internal/logging"
	"anna/internal/observability"

	"github.com/gin-gonic/gin"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Len() int
}

// RouterDeps wires the router to the rest of the server.
type RouterDeps struct {
	WebSocket      http.HandlerFunc
	Sessions       SessionCounter
	Observability  *observability.Observability
	Environment    string
	AllowedOrigins []string
	Logger         logging.Logger
}

type healthResponse struct {
	Status    string    `json:"status"`
	Sessions  int       `json:"sessions"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRouter builds the gin engine.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := logging.OrNop(deps.Logger)
	if !isDevelopment(deps.Environment) {
		gin.SetMode(gin.ReleaseMode)
	}
	startedAt := time.Now()

	engine := gin.New()
	engine.Use(
		ObservabilityMiddleware(deps.Observability, logging.NewComponentLogger("HTTP")),
		RecoveryMiddleware(logger),
		CORSMiddleware(deps.AllowedOrigins),
	)

	engine.GET("/healthz", func(c *gin.Context) {
		sessions := 0
		if deps.Sessions != nil {
			sessions = deps.Sessions.Len()
		}
		c.JSON(http.StatusOK, healthResponse{
			Status:    "ok",
			Sessions:  sessions,
			Uptime:    time.Since(startedAt).Truncate(time.Second).String(),
			Timestamp: time.Now().UTC(),
		})
	})

	if deps.WebSocket != nil {
		engine.GET("/ws", gin.WrapF(deps.WebSocket))
	} else {
		logger.Warn("No websocket handler configured; /ws is disabled")
	}

	var metrics http.Handler = http.NotFoundHandler()
	if deps.Observability != nil {
		metrics = deps.Observability.Metrics.Handler()
	}
	engine.GET("/metrics", gin.WrapH(metrics))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine
}

func isDevelopment(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "", "development", "dev", "local":
		return true
	}
	return false
}

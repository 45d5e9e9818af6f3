package http

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"anna/internal/logging"
	"anna/internal/observability"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ObservabilityMiddleware instruments requests with a span, HTTP metrics and
// an optional latency log line.
func ObservabilityMiddleware(obs *observability.Observability, latencyLogger logging.Logger) gin.HandlerFunc {
	hasLatencyLogger := !logging.IsNil(latencyLogger)
	if obs == nil && !hasLatencyLogger {
		return func(c *gin.Context) { c.Next() }
	}
	latencyLogger = logging.OrNop(latencyLogger)

	return func(c *gin.Context) {
		start := time.Now()
		route := routeOf(c)
		ctx := c.Request.Context()

		if obs != nil && obs.Tracer != nil {
			spanCtx, span := obs.Tracer.StartSpan(ctx, observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(spanCtx)
			defer func() {
				status := c.Writer.Status()
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				span.End()
			}()
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if obs != nil {
			obs.Metrics.RecordHTTPServerRequest(ctx, c.Request.Method, route, status, latency)
		}
		if hasLatencyLogger {
			latencyLogger.Info(
				"route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
				route,
				c.Request.Method,
				status,
				float64(latency.Microseconds())/1000.0,
				c.Writer.Size(),
			)
		}
	}
}

// routeOf returns the matched route template, or a fixed label for
// unmatched paths so metric cardinality stays bounded.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Panic serving %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, recovered, debug.Stack())
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// CORSMiddleware allows the configured origins, or every origin when the list
// is empty or contains "*".
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	corsConfig.MaxAge = 12 * time.Hour

	origins := make([]string, 0, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if allowAll || len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

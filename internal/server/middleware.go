package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/idgen"
	"github.com/mbd888/cipherscore/internal/logging"
	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/security"
	"github.com/mbd888/cipherscore/internal/traces"
	"github.com/mbd888/cipherscore/internal/validation"
)

// maxRequestIDLen bounds caller-supplied request IDs before they reach logs.
const maxRequestIDLen = 128

// setupMiddleware installs the global chain. Order matters: recovery wraps
// everything, and the request ID is attached before the access log reads it.
func (s *Server) setupMiddleware() {
	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(s.cfg.IsProduction()),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		traces.Middleware(),
		s.requestContext(),
		accessLog(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", recovered,
		"path", c.Request.URL.Path,
	)
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.Clone().RecoverWithContext(c.Request.Context(), recovered)
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext attaches the request ID and base logger to the request
// context and echoes the ID back. An upstream X-Request-ID is kept.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = idgen.New()
		}
		ctx := logging.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, s.logger))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// accessLog writes one line per request: errors for 5xx, warnings for 4xx,
// debug otherwise.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if status >= 500 {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		logging.L(ctx).Log(ctx, level, "request completed", attrs...)
	}
}

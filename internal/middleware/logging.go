// Package middleware provides Echo middleware for CORS, logging and metrics.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/metrics"
)

// TargetKey is the echo.Context key under which the relay handler stores the
// target host, so the access log can report it.
const TargetKey = "relay.target_host"

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", LogPath(req.URL.Path),
				"status", statusOf(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target, ok := c.Get(TargetKey).(string); ok {
				attrs = append(attrs, "target_host", target)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}

// LogPath returns the request path as it may appear in logs. Relay paths
// embed the full upstream URL, which can carry resource identifiers, so they
// collapse to "relay"; the target host is logged separately.
func LogPath(path string) string {
	if metrics.NormalizePath(path) == "relay" {
		return "relay"
	}
	return path
}

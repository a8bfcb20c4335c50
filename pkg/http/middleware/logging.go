package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "marketpulse/pkg/logger"
)

// RequestLogging logs each request with method, path, status and latency.
// 5xx responses log at error level.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("path", req.URL.Path),
				applogger.Int("status", status),
				applogger.Duration("latency", time.Since(start)),
			}
			if status >= 500 {
				l.Error("http request failed", fields...)
			} else {
				l.Debug("http request", fields...)
			}
			return err
		}
	}
}

package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"ZeroDTE/pkg/logger"
)

// RequestLogging writes one debug line per request; operator mutations are logged at info.
func RequestLogging(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("route", c.Path()),
				logger.String("uri", req.RequestURI),
				logger.String("remote", c.RealIP()),
				logger.Int("status", c.Response().Status),
				logger.Duration("latency", time.Since(start)),
			}
			if req.Method == "GET" {
				log.Debug("http request", fields...)
			} else {
				log.Info("http request", fields...)
			}
			return err
		}
	}
}

package httpserver

import (
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/speakrelay/internal/platform/errors"
)

// connectionLimitMiddleware holds a connection slot for the lifetime of the relay
// handler, which returns only when the WebSocket closes.
func (s *Server) connectionLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			ok, reason := s.limits.Acquire(ip)
			if !ok {
				s.metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
				if reason == LimitReasonGlobal {
					return apperrors.UnavailableError("relay at capacity").WithField("reason", reason)
				}
				return apperrors.TooManyRequestsError("too many connections").WithField("reason", reason)
			}
			defer s.limits.Release(ip)

			return next(c)
		}
	}
}

package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/platform/correlation"
	apperrors "github.com/pscheid92/speakrelay/internal/platform/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:        correlation.NewID,
		RequestIDHandler: attachCorrelationID,
	}))
	s.echo.Use(requestLogger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.metrics.Middleware())
	s.echo.Use(apperrors.Middleware(s.metrics.ErrorsTotal))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))
	s.echo.GET(s.config.RelayPath, echo.WrapHandler(s.relayHandler), s.connectionLimitMiddleware())
}

func attachCorrelationID(c echo.Context, id string) {
	ctx := correlation.WithID(c.Request().Context(), id)
	c.SetRequest(c.Request().WithContext(ctx))
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}

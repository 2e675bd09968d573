package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/speakrelay/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":      "ok",
		"uptime":      s.clock.Since(s.startTime).Seconds(),
		"connections": s.clients.GetClientCount(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// checkFailure names the readiness check that failed.
type checkFailure struct {
	name string
	err  error
}

func (s *Server) handleReadiness(c echo.Context) error {
	failure := s.runReadinessChecks(c.Request().Context())
	if failure != nil {
		response := map[string]any{
			"status":       "unhealthy",
			"failed_check": failure.name,
			"error":        failure.err.Error(),
		}
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ready"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// runReadinessChecks runs the checks in order and stops at the first failure.
// Concurrent probes share a single run.
func (s *Server) runReadinessChecks(ctx context.Context) *checkFailure {
	v, _, _ := s.readiness.Do("ready", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readinessProbeTimeout)
		defer cancel()

		checks := append([]HealthCheck{{Name: "hub", Check: s.checkHub}}, s.healthChecks...)
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				return &checkFailure{name: hc.Name, err: err}, nil
			}
		}
		return (*checkFailure)(nil), nil
	})
	return v.(*checkFailure)
}

func (s *Server) checkHub(context.Context) error {
	if s.clients.GetClientCount() < 0 {
		return errors.New("hub not responding")
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}

package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/coordinator"
)

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/metrics", echo.WrapHandler(MetricsHandler(s.registry)))
	e.GET("/api/snapshot", s.SnapshotHandler)
	e.GET("/api/status", s.StatusHandler)
	e.POST("/api/refresh", s.RefreshHandler)

	return e
}

// HealthCheckHandler reports OK while the coordinator is running, including
// when degraded; entities keep their last known values in that state.
func (s *Server) HealthCheckHandler(c echo.Context) error {
	if s.ctrl.Status().State.Running() {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) SnapshotHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, coordinator.SnapshotView(s.ctrl.CurrentSnapshot()))
}

func (s *Server) StatusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Status().View())
}

func (s *Server) RefreshHandler(c echo.Context) error {
	err := s.ctrl.ForceRefresh(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, s.ctrl.Status().View())
	case errors.Is(err, coordinator.ErrRefreshInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrNotRunning):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case apierr.IsAuth(err):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case apierr.IsRateLimited(err):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Warn("forced refresh failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

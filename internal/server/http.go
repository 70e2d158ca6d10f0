package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

// Controller is the coordinator surface exposed over HTTP.
type Controller interface {
	CurrentSnapshot() topology.Snapshot
	Status() coordinator.Status
	ForceRefresh(ctx context.Context) error
}

// Server serves health, metrics and the JSON API.
type Server struct {
	ctrl     Controller
	registry *prometheus.Registry
	httpLog  bool
	logger   *zap.Logger
}

func New(ctrl Controller, registry *prometheus.Registry, httpLog bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ctrl:     ctrl,
		registry: registry,
		httpLog:  httpLog,
		logger:   logger.With(zap.String("component", "http")),
	}
}

func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
}

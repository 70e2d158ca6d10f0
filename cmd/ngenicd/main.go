package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/config"
	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/core"
	"github.com/joshp123/ngenic-bridge/internal/credential"
	"github.com/joshp123/ngenic-bridge/internal/history"
	"github.com/joshp123/ngenic-bridge/internal/homeassistant"
	"github.com/joshp123/ngenic-bridge/internal/logging"
	"github.com/joshp123/ngenic-bridge/internal/mqtt"
	"github.com/joshp123/ngenic-bridge/internal/router"
	"github.com/joshp123/ngenic-bridge/internal/schedule"
	"github.com/joshp123/ngenic-bridge/internal/server"
	"github.com/joshp123/ngenic-bridge/plugins/ngenic"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to config.yaml")
	versioninfo.AddFlag(nil)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ngenicd",
		zap.String("version", versioninfo.Short()),
		zap.Any("config", cfg.Redacted()),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ngenicd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := credential.SourceFromConfig(cfg.Credential)
	if err != nil {
		return err
	}
	cred, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	clientCfg, err := ngenic.ConfigFromConfig(cfg.Ngenic)
	if err != nil {
		return err
	}
	client := ngenic.NewClient(clientCfg, logger)

	sched, err := schedule.NewQuartz(ctx, "ngenic-refresh", logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	coord := coordinator.New(client, sched, coordinator.ConfigFromConfig(cfg.Coordinator), logger)
	defer coord.Stop()

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect()

		adapter := homeassistant.New(mqttClient, homeassistant.Options{
			BaseTopic:         cfg.MQTT.BaseTopic,
			DiscoveryPrefix:   cfg.MQTT.HADiscoveryTopic,
			DeviceEnergyNodes: cfg.HomeAssistant.DeviceEnergyNodes,
			Version:           versioninfo.Short(),
		}, logger)
		mqttClient.OnConnect(func() {
			adapter.Republish(coord.CurrentSnapshot())
		})
		id := coord.Subscribe(adapter)
		defer coord.Unsubscribe(id)
	}

	if cfg.InfluxDB.Enabled {
		sink, err := history.Connect(ctx, cfg.InfluxDB, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		id := coord.Subscribe(sink)
		defer coord.Unsubscribe(id)
	}

	plugins := []core.Plugin{ngenic.NewPlugin(coord)}
	if err := core.ValidatePlugins(plugins); err != nil {
		return err
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logger)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	router.RegisterPlugins(grpcServer.Server, plugins)

	registry := core.MetricsRegistry(plugins, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ngenic_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": versioninfo.Short()},
	}, func() float64 { return 1 }))

	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr,
		server.New(coord, registry, cfg.Core.HTTPLog, logger).RegisterRoutes())

	errs := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(); err != nil {
			errs <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http serve: %w", err)
		}
	}()

	if err := coord.Start(ctx, cred, 0); err != nil {
		logger.Error("coordinator failed to start; serving status only", zap.Error(err))
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.Server.GracefulStop()
	// Listeners are still subscribed here, so the Stopped status reaches them.
	coord.Stop()
	return serveErr
}

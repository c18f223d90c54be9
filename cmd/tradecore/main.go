// Command tradecore launches the trading runtime entrypoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantrelay/tradecore/config"
	"github.com/quantrelay/tradecore/internal/adapter/fake"
	"github.com/quantrelay/tradecore/internal/observability"
	"github.com/quantrelay/tradecore/internal/runtime"
	"github.com/quantrelay/tradecore/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loadedFromFile, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := observability.NewStdLogger("tradecore ", cfg.Debug)
	observability.SetLogger(logger)
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults",
			observability.Field{Key: "path", Value: *configPath})
	}

	_, shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: time.Duration(cfg.Telemetry.ExportIntervalSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}

	core := runtime.New(cfg)
	core.Start()

	// Real venue adapters are wired here. The synthetic venue ships as the
	// default so the runtime is exercisable without live credentials.
	for name, venueCfg := range cfg.Venues {
		adp := fake.New(fake.Options{
			Name:     name,
			Sink:     core.Bus(),
			AutoFill: true,
		})
		if err := core.AddVenue(name, adp, venueCfg.Settings()); err != nil {
			logger.Error("register venue failed",
				observability.Field{Key: "venue", Value: name},
				observability.Field{Key: "error", Value: err})
			continue
		}
		if err := core.Connect(ctx, name); err != nil {
			logger.Error("connect venue failed",
				observability.Field{Key: "venue", Value: name},
				observability.Field{Key: "error", Value: err})
		}
	}

	logger.Info("runtime started",
		observability.Field{Key: "venues", Value: core.Supervisor().Venues()})

	<-ctx.Done()
	logger.Info("shutdown requested")

	if err := core.Shutdown(); err != nil {
		logger.Error("runtime shutdown incomplete", observability.Field{Key: "error", Value: err})
	}

	telemetryCtx, cancelTelemetry := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancelTelemetry()
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Error("telemetry shutdown failed", observability.Field{Key: "error", Value: err})
	}

	logger.Info("runtime stopped")
	os.Exit(0)
}

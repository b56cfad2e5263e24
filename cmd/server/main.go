// Package main is the entry point for the CDC bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/offset"
	"github.com/vitaliisemenov/cdc-bridge/internal/pipeline"
	"github.com/vitaliisemenov/cdc-bridge/pkg/logger"
	"github.com/vitaliisemenov/cdc-bridge/pkg/metrics"
)

const (
	serviceName    = "cdc-bridge"
	serviceVersion = "1.0.0"

	defaultOffsetDir = "data/offsets"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to the YAML configuration (falls back to "+config.EnvConfigPath+")")
		offsetDir     = flag.String("offset-dir", "", "Directory for offset documents (default "+defaultOffsetDir+")")
		watchInterval = flag.Duration("watch-interval", config.DefaultWatchInterval, "Configuration reload interval")
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat     = flag.String("log-format", "json", "Log format: json or text")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	log := logger.NewLogger(logger.Config{
		Level:  *logLevel,
		Format: *logFormat,
		Output: "stdout",
	})
	slog.SetDefault(log)

	if err := run(log, *configPath, *offsetDir, *watchInterval); err != nil {
		log.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath, offsetDir string, watchInterval time.Duration) error {
	log.Info("Starting CDC bridge", "service", serviceName, "version", serviceVersion)

	loader := config.NewLoader(configPath, log)
	aggregate, err := loader.Load()
	if err != nil {
		return err
	}
	log.Info("Configuration loaded",
		"path", loader.Path(),
		"database_type", aggregate.Database.Type,
		"tables", len(aggregate.Tables),
	)

	if offsetDir == "" {
		if v, ok := aggregate.Database.AdditionalProperties["offset_dir"]; ok && v != "" {
			offsetDir = v
		} else {
			offsetDir = defaultOffsetDir
		}
	}
	store, err := offset.NewFileStore(offsetDir, log)
	if err != nil {
		return err
	}

	pipelineMetrics := metrics.NewPipelineMetrics()

	controller, err := pipeline.NewController(pipeline.ControllerConfig{
		Offsets:  store,
		Metrics:  pipelineMetrics,
		Listener: pipeline.NewLogListener(log),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	if err := controller.Start(aggregate); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := config.NewWatcher(loader, aggregate, watchInterval, controller.OnConfigChanged, log)
	watcher.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutdown signal received", "signal", sig.String())

	watcher.Stop()
	cancel()
	if err := controller.Stop(); err != nil {
		return err
	}

	snapshot := pipelineMetrics.GetSnapshot()
	log.Info("CDC bridge stopped",
		"events_captured", snapshot.EventsCaptured,
		"events_published", snapshot.EventsPublished,
		"events_failed", snapshot.EventsFailed,
	)
	return nil
}

// Package main is the entry point for the pap-server binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/papforge/pap/internal/governance"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/config"
	"github.com/papforge/pap/pkg/logging"
	"github.com/papforge/pap/pkg/policy"
	"github.com/papforge/pap/pkg/run"
	"github.com/papforge/pap/pkg/server"
	"github.com/papforge/pap/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	// With a config file the provider watches it and republishes snapshots;
	// without one a single default-plus-env snapshot is used.
	var provider *config.FileProvider
	var cfg *config.Config
	var err error
	if *configPath != "" {
		provider, err = config.NewFileProvider(*configPath, slog.Default())
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
		defer provider.Close()
		cfg = provider.Current()
	} else {
		cfg, err = config.Load("")
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
	}
	if *listenAddr != "" {
		cfg.Server.Address = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}

	logger, logLevelVar := logging.NewDynamic(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting pap-server", "config", *configPath, "address", cfg.Server.Address)

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "pap-server",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open artifact store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close artifact store", "error", err)
		}
	}()

	admission, err := loadAdmission(cfg, logger)
	if err != nil {
		logger.Error("Failed to load admission policies", "error", err)
		os.Exit(1)
	}

	// Terminal runs persist beside the blob store so restarts keep them.
	stateRoot := ""
	if cfg.Storage.Root != "" {
		stateRoot = filepath.Join(cfg.Storage.Root, "runs")
	}

	runs := run.NewRegistry(run.Options{
		Store:       store,
		Admission:   admission,
		Logger:      logger,
		ScratchRoot: cfg.Storage.Scratch,
		StateRoot:   stateRoot,
		Retry: governance.RetryConfig{
			InitialBackoff:    time.Duration(cfg.Engine.RetryInitialBackoffMS) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.Engine.RetryMaxBackoffMS) * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		GracePeriod:      time.Duration(cfg.Engine.GracePeriodMS) * time.Millisecond,
		DefaultTimeoutMS: cfg.Engine.DefaultTimeoutMS,
	})
	if err := runs.Recover(); err != nil {
		logger.Error("Failed to recover persisted runs", "error", err)
		os.Exit(1)
	}

	if provider != nil {
		go applyReloads(provider.Subscribe(), runs, logLevelVar, logger)
	}

	srv := server.New(server.Config{
		Address: cfg.Server.Address,
		Runs:    runs,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Error("Run shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}

// applyReloads follows config snapshots, adjusting the pieces that support
// hot reload: log level and admission policy modules. The first snapshot on
// the channel is the one already applied at startup.
func applyReloads(snapshots <-chan *config.Config, runs *run.Registry, level *slog.LevelVar, logger *slog.Logger) {
	first := true
	for cfg := range snapshots {
		if first {
			first = false
			continue
		}
		level.Set(logging.ParseLevel(cfg.Logging.Level))
		admission, err := loadAdmission(cfg, logger)
		if err != nil {
			logger.Error("Admission reload failed, keeping previous gate", "error", err)
			continue
		}
		runs.SetAdmission(admission)
		logger.Info("Applied configuration reload", "log_level", cfg.Logging.Level)
	}
}

// openStore selects the artifact store backend: filesystem when a root is
// configured, in-memory otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (artifact.Store, error) {
	if cfg.Storage.Root == "" {
		logger.Warn("No storage root configured, artifacts are held in memory")
		return artifact.NewMemoryStore(), nil
	}
	return artifact.NewFSStore(cfg.Storage.Root)
}

// loadAdmission compiles the configured Rego modules. No modules means the
// gate admits everything.
func loadAdmission(cfg *config.Config, logger *slog.Logger) (*policy.Admission, error) {
	modules, err := cfg.PolicyModules()
	if err != nil {
		return nil, err
	}
	if len(modules) > 0 {
		logger.Info("Admission control enabled", "modules", len(modules))
	}
	return policy.NewAdmission(context.Background(), policy.Options{Modules: modules})
}

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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promediasign/usb-audio-bridge/internal/config"
	"github.com/promediasign/usb-audio-bridge/internal/device"
	"github.com/promediasign/usb-audio-bridge/internal/metrics"
	"github.com/promediasign/usb-audio-bridge/internal/relay"
	"github.com/promediasign/usb-audio-bridge/internal/server"
)

const (
	serviceName    = "usb-audio-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (empty = built-in defaults)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Relay.SampleRate),
		slog.String("input_layout", cfg.Relay.InputLayout),
		slog.String("output_layout", cfg.Relay.OutputLayout),
		slog.Int("error_threshold", cfg.Relay.ErrorThreshold),
		slog.Duration("hang_timeout", cfg.Relay.GetHangTimeout()),
		slog.Duration("watchdog_interval", cfg.Relay.GetWatchdogInterval()),
		slog.Duration("refresh_interval", cfg.Relay.GetRefreshInterval()),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewDefault()

	// The synthetic device pair keeps the standalone binary self-contained.
	// An embedding host replaces it with its platform device factory.
	factory := &device.SynthFactory{
		Interval: time.Second / 50, // roughly one 20ms frame per transfer
	}

	engine := relay.NewEngine(cfg.Relay, factory, logger, appMetrics, relay.Options{
		Status:    &statusLogger{logger: logger},
		KeepAlive: &device.FlagToken{},
		Relaunch: func() {
			// The actual relaunch is owned by the process supervisor
			// (systemd Restart=always or equivalent); record the request.
			logger.Info("engine relaunch requested")
		},
	})

	// Initialize the HTTP monitoring server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, engine, prometheus.DefaultGatherer)
		logger.Info("HTTP monitoring server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start the relay engine
	if err := engine.OnActivate(); err != nil {
		logger.Error("Failed to start relay engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			engine.Stop()
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first (stop serving monitoring requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Deactivate the engine; the relaunch hook fires per the crash
	// resilience contract and the process supervisor brings us back up.
	engine.OnDeactivate()

	info := engine.Info()
	logger.Info("Final engine statistics",
		slog.String("state", info.State),
		slog.Uint64("generation", info.Generation),
	)

	logger.Info("Service stopped")
}

// loadConfig reads the configuration file, or returns built-in defaults
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// statusLogger forwards engine status strings to the structured log. A
// platform host would render these in its persistent notification instead.
type statusLogger struct {
	logger *slog.Logger
}

func (s *statusLogger) Report(text string) {
	s.logger.Info("engine status", slog.String("status", text))
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promediasign/usb-audio-bridge/internal/config"
	"github.com/promediasign/usb-audio-bridge/internal/relay"
)

// HTTPServer exposes monitoring endpoints for the relay engine.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	engine    *relay.Engine
	startTime time.Time
}

// NewHTTPServer creates the monitoring server. The gatherer backs the
// /metrics endpoint; pass prometheus.DefaultGatherer unless the metrics
// were registered elsewhere.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, engine *relay.Engine, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    engine,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/config", h.handleConfig)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Start begins serving in a background goroutine.
func (h *HTTPServer) Start() error {
	h.logger.Info("HTTP monitoring server starting", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("HTTP monitoring server stopping")
	return h.server.Shutdown(ctx)
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status              string  `json:"status"`
	EngineState         string  `json:"engine_state"`
	Generation          uint64  `json:"generation"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds,omitempty"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

// handleHealth reports liveness. The engine is healthy while running with a
// heartbeat younger than the configured hang timeout; a stale heartbeat is
// reported as degraded because the watchdog is about to intervene.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := h.engine.Info()
	resp := healthResponse{
		Status:        "healthy",
		EngineState:   info.State,
		Generation:    info.Generation,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}

	code := http.StatusOK
	switch {
	case info.State != relay.StateRunning.String():
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	case info.Session != nil:
		resp.HeartbeatAgeSeconds = info.Session.HeartbeatAgeSeconds
		if info.Session.HeartbeatAgeSeconds > h.config.Relay.HangTimeout {
			resp.Status = "degraded"
		}
	}

	h.writeJSON(w, code, resp)
}

// handleStatus returns the full engine and session snapshot.
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.engine.Info())
}

// handleConfig returns the active configuration.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.config)
}

// writeJSON serializes v with a JSON content type.
func (h *HTTPServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

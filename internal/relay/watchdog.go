package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/promediasign/usb-audio-bridge/internal/metrics"
)

// supervisor is the slice of the engine the watchdog needs: a probe for an
// in-flight restart, the current session's liveness, and the single restart
// entry point.
type supervisor interface {
	RestartInProgress() bool
	Liveness() (heartbeat time.Time, generation uint64, ok bool)
	RequestRestart(trigger string, generation uint64) bool
}

// watchdog periodically samples the session heartbeat and requests a
// restart when the pipeline has been silent longer than the hang timeout.
// It runs on its own schedule, independent of the transfer loop.
type watchdog struct {
	target   supervisor
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// run polls until ctx is cancelled.
func (w *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		slog.Duration("interval", w.interval),
		slog.Duration("hang_timeout", w.timeout),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopping")
			return

		case <-ticker.C:
			w.check()
		}
	}
}

// check performs one heartbeat inspection. A check is a no-op while a
// restart is in progress (to avoid compounding restarts) and before the
// session has stamped its first heartbeat.
func (w *watchdog) check() {
	w.metrics.WatchdogChecks.Inc()

	if w.target.RestartInProgress() {
		return
	}

	heartbeat, generation, ok := w.target.Liveness()
	if !ok || heartbeat.IsZero() {
		return
	}

	elapsed := time.Since(heartbeat)
	w.metrics.HeartbeatAge.Set(elapsed.Seconds())

	if elapsed > w.timeout {
		w.metrics.WatchdogTriggers.Inc()
		w.logger.Warn("heartbeat stale, requesting session restart",
			slog.Duration("elapsed", elapsed),
			slog.Duration("hang_timeout", w.timeout),
			slog.Uint64("generation", generation),
		)
		w.target.RequestRestart("watchdog", generation)
	}
}

// Package metrics defines the Prometheus instrumentation for the audio
// bridge. Metrics are registered against an injectable registry so tests
// can use private registries without collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio bridge service
type Metrics struct {
	// Transfer loop metrics
	FramesRelayed    prometheus.Counter
	SamplesRelayed   prometheus.Counter
	TransferStalls   prometheus.Counter
	TransferErrors   *prometheus.CounterVec // kind: read, write, state
	LoopFaults       prometheus.Counter

	// Session metrics
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram
	InPlaceRecoveries prometheus.Counter

	// Engine metrics
	Restarts        *prometheus.CounterVec // trigger: watchdog, hung, fatal, refresh, config
	RestartsDropped *prometheus.CounterVec // reason: in_progress, stale
	EngineState     prometheus.Gauge
	HeartbeatAge    prometheus.Gauge

	// Watchdog metrics
	WatchdogChecks   prometheus.Counter
	WatchdogTriggers prometheus.Counter
}

// New creates all bridge metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_relayed_total",
			Help: "Total number of frame buffers relayed from capture to playback",
		}),
		SamplesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_samples_relayed_total",
			Help: "Total number of output samples written to the playback device",
		}),
		TransferStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transfer_stalls_total",
			Help: "Total number of zero-length capture reads",
		}),
		TransferErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transfer_errors_total",
			Help: "Total number of failed device transfer operations",
		}, []string{"kind"}),
		LoopFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_loop_faults_total",
			Help: "Total number of unclassified faults caught at the transfer loop boundary",
		}),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of audio sessions constructed",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_destroyed_total",
			Help: "Total number of audio sessions torn down",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Lifetime of audio sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
		}),
		InPlaceRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_inplace_recoveries_total",
			Help: "Total number of in-place device recoveries performed by sessions",
		}),

		Restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_restarts_total",
			Help: "Total number of session replacements performed by the engine",
		}, []string{"trigger"}),
		RestartsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_restarts_dropped_total",
			Help: "Total number of restart requests dropped without acting",
		}, []string{"reason"}),
		EngineState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_engine_state",
			Help: "Current engine lifecycle state (0 stopped, 1 starting, 2 running, 3 stopping)",
		}),
		HeartbeatAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_heartbeat_age_seconds",
			Help: "Seconds since the transfer loop last completed a successful transfer",
		}),

		WatchdogChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_watchdog_checks_total",
			Help: "Total number of watchdog heartbeat checks",
		}),
		WatchdogTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_watchdog_triggers_total",
			Help: "Total number of watchdog-initiated restart requests",
		}),
	}
}

// NewDefault creates all bridge metrics on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promediasign/usb-audio-bridge/internal/config"
	"github.com/promediasign/usb-audio-bridge/internal/device"
	"github.com/promediasign/usb-audio-bridge/internal/metrics"
)

// joinTimeout bounds how long the engine waits for the transfer loop to
// exit during restart or shutdown. Past the deadline teardown proceeds
// regardless; device transfer calls are treated as atomic blocking
// operations, so this is best-effort cancellation, not guaranteed
// termination.
const joinTimeout = 2 * time.Second

// State represents the engine lifecycle state.
type State int

const (
	// StateStopped means no session exists and no goroutines are running.
	StateStopped State = iota

	// StateStarting means the first session is being constructed.
	StateStarting

	// StateRunning means a session is live and the watchdog is active.
	// Internal restarts do not leave this state; they are only observable
	// through a transient "Recovering" status message.
	StateRunning

	// StateStopping means shutdown is in progress.
	StateStopping
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RelaunchFunc asks the host to bring up a fresh engine instance after
// teardown. See Engine.OnDeactivate.
type RelaunchFunc func()

// Options carries the host-supplied collaborators of an engine. Nil fields
// are replaced with no-op implementations.
type Options struct {
	// Status receives human-readable state strings for display.
	Status device.StatusSink

	// KeepAlive is acquired on start and released on stop.
	KeepAlive device.KeepAliveToken

	// Relaunch is invoked unconditionally by OnDeactivate after teardown.
	Relaunch RelaunchFunc
}

// Engine supervises the audio session. It owns the current session,
// coordinates restart requests from the watchdog, in-loop escalation, and
// preventive refresh under a single guard, and exposes the start/stop
// lifecycle to the host.
type Engine struct {
	factory  device.Factory
	logger   *slog.Logger
	metrics  *metrics.Metrics
	status   device.StatusSink
	keep     device.KeepAliveToken
	relaunch RelaunchFunc

	// mu guards state, cfg, the session reference and its
	// construct/destroy transitions, so the rest of the engine always
	// observes either the previous or the next session, never a
	// half-destroyed one.
	mu      sync.Mutex
	state   State
	cfg     config.RelayConfig
	session *session

	cancelAux context.CancelFunc
	aux       sync.WaitGroup

	// restarting is the restart-in-progress guard, distinct from mu:
	// concurrent restart triggers collapse to one restart without ever
	// queueing behind the construction mutex.
	restarting atomic.Bool

	// generation increments on every session replacement and tags each
	// session so stale restart requests can be discarded.
	generation atomic.Uint64
}

// NewEngine creates an engine. Start must be called before any audio flows.
func NewEngine(cfg config.RelayConfig, factory device.Factory, logger *slog.Logger,
	m *metrics.Metrics, opts Options) *Engine {

	if opts.Status == nil {
		opts.Status = nopSink{}
	}
	if opts.KeepAlive == nil {
		opts.KeepAlive = &device.FlagToken{}
	}

	return &Engine{
		factory:  factory,
		logger:   logger,
		metrics:  m,
		status:   opts.Status,
		keep:     opts.KeepAlive,
		relaunch: opts.Relaunch,
		cfg:      cfg,
	}
}

// Start constructs the initial session and launches the watchdog. It is a
// no-op when the engine is already starting or running. On construction
// failure the engine reports the error and remains stopped; it does not
// retry on its own, the host decides whether to call Start again.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return nil
	}
	e.setState(StateStarting)
	cfg := e.cfg
	e.mu.Unlock()

	e.report("Starting...")
	e.keep.Acquire()

	sess, err := newSession(cfg, e.factory, e.logger, e.metrics, e.generation.Load())
	if err != nil {
		e.keep.Release()
		e.mu.Lock()
		e.setState(StateStopped)
		e.mu.Unlock()

		e.logger.Error("session initialization failed", slog.String("error", err.Error()))
		e.report("Error: " + err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.state != StateStarting {
		// Stop won the race while the session was being constructed; it
		// already released the keep-alive token, so only the fresh
		// session needs discarding.
		e.mu.Unlock()
		cancel()
		sess.stop()
		sess.close()
		return nil
	}
	e.session = sess
	e.cancelAux = cancel
	e.setState(StateRunning)
	e.mu.Unlock()

	e.spawnSession(sess)

	wd := &watchdog{
		target:   e,
		interval: cfg.GetWatchdogInterval(),
		timeout:  cfg.GetHangTimeout(),
		logger:   e.logger,
		metrics:  e.metrics,
	}
	e.aux.Add(1)
	go func() {
		defer e.aux.Done()
		wd.run(ctx)
	}()

	if refresh := cfg.GetRefreshInterval(); refresh > 0 {
		e.aux.Add(1)
		go e.refreshLoop(ctx, refresh)
	}

	e.report(fmt.Sprintf("Running @ %d Hz", cfg.SampleRate))
	return nil
}

// Stop signals the session and watchdog, waits for both with a bounded
// timeout, tears the session down and releases the keep-alive token.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateStopping {
		e.mu.Unlock()
		return
	}
	e.setState(StateStopping)
	cancel := e.cancelAux
	sess := e.session
	e.session = nil
	e.cancelAux = nil
	e.mu.Unlock()

	e.logger.Info("stopping relay engine")

	if cancel != nil {
		cancel()
	}

	if sess != nil {
		sess.stop()
		if !waitClosed(sess.done, joinTimeout) {
			e.logger.Warn("transfer loop did not exit within join timeout, proceeding with teardown")
		}
		sess.close()
	}

	e.aux.Wait()
	e.keep.Release()

	e.mu.Lock()
	e.setState(StateStopped)
	e.mu.Unlock()

	e.report("Stopped")
	e.logger.Info("relay engine stopped")
}

// RequestRestart is the single entry point for all restart triggers. A
// request is dropped when a restart is already in progress (concurrent
// triggers collapse to one) or when its generation no longer matches the
// engine's (the session it refers to has been superseded). It returns true
// when a replacement session was installed.
func (e *Engine) RequestRestart(trigger string, generation uint64) bool {
	if !e.restarting.CompareAndSwap(false, true) {
		e.metrics.RestartsDropped.WithLabelValues("in_progress").Inc()
		return false
	}
	defer e.restarting.Store(false)

	if generation != e.generation.Load() {
		e.metrics.RestartsDropped.WithLabelValues("stale").Inc()
		e.logger.Info("dropping stale restart request",
			slog.String("trigger", trigger),
			slog.Uint64("request_generation", generation),
			slog.Uint64("current_generation", e.generation.Load()),
		)
		return false
	}

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		e.metrics.RestartsDropped.WithLabelValues("not_running").Inc()
		return false
	}
	old := e.session
	cfg := e.cfg
	e.mu.Unlock()

	e.report("Recovering...")
	e.logger.Warn("restarting audio session",
		slog.String("trigger", trigger),
		slog.Uint64("generation", generation),
	)

	if old != nil {
		old.stop()
		if !waitClosed(old.done, joinTimeout) {
			e.logger.Warn("transfer loop did not exit within join timeout, proceeding with teardown")
		}

		e.mu.Lock()
		old.close()
		e.session = nil
		e.mu.Unlock()
	}

	// Let the device layer fully release hardware resources before
	// reopening; immediate reopen fails non-deterministically on some
	// device stacks.
	time.Sleep(cfg.GetSettleDelay())

	e.mu.Lock()
	if e.state != StateRunning {
		// Shutdown won the race while we were settling.
		e.mu.Unlock()
		e.metrics.RestartsDropped.WithLabelValues("not_running").Inc()
		return false
	}
	e.mu.Unlock()

	next, err := newSession(cfg, e.factory, e.logger, e.metrics, e.generation.Load()+1)
	if err != nil {
		// The engine cannot run without a session. Surrender to the host,
		// mirroring the Start failure policy.
		e.logger.Error("session replacement failed", slog.String("error", err.Error()))

		e.mu.Lock()
		cancel := e.cancelAux
		e.cancelAux = nil
		e.setState(StateStopped)
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		e.keep.Release()
		e.report("Error: " + err.Error())
		return false
	}

	e.mu.Lock()
	if e.state != StateRunning {
		// Shutdown won the race while the replacement was being
		// constructed; installing it would leave a live transfer loop
		// with no watchdog and no keep-alive past Stop.
		e.mu.Unlock()
		next.stop()
		next.close()
		e.metrics.RestartsDropped.WithLabelValues("not_running").Inc()
		return false
	}
	e.generation.Add(1)
	e.session = next
	e.mu.Unlock()

	e.spawnSession(next)
	e.metrics.Restarts.WithLabelValues(trigger).Inc()

	e.logger.Info("audio session replaced",
		slog.String("trigger", trigger),
		slog.Uint64("generation", e.generation.Load()),
	)
	e.report(fmt.Sprintf("Running @ %d Hz", cfg.SampleRate))
	return true
}

// OnActivate is the host lifecycle hook for process/service start.
func (e *Engine) OnActivate() error {
	return e.Start()
}

// OnDeactivate is the host lifecycle hook for teardown. After stopping, it
// unconditionally asks the host to relaunch a fresh engine instance: the
// system prefers coming back up over staying down, accepting a brief audio
// gap rather than permanent silence.
func (e *Engine) OnDeactivate() {
	e.Stop()
	if e.relaunch != nil {
		e.relaunch()
	}
}

// HandleConfig validates and installs a replacement relay configuration.
// When the engine is running, the current session is restarted so the new
// parameters take effect; otherwise they apply on the next Start.
func (e *Engine) HandleConfig(cfg config.RelayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	running := e.state == StateRunning
	e.mu.Unlock()

	e.logger.Info("relay configuration replaced",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("input_layout", cfg.InputLayout),
		slog.String("output_layout", cfg.OutputLayout),
	)

	if running {
		e.RequestRestart("config", e.generation.Load())
	}
	return nil
}

// State returns the current engine lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Generation returns the current session generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// RestartInProgress reports whether a restart is currently executing.
func (e *Engine) RestartInProgress() bool {
	return e.restarting.Load()
}

// Liveness returns the current session's heartbeat and generation. ok is
// false when no session is live.
func (e *Engine) Liveness() (time.Time, uint64, bool) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	if s == nil {
		return time.Time{}, 0, false
	}
	return s.heartbeatTime(), s.generation, true
}

// EngineInfo is a point-in-time snapshot of engine state for monitoring.
type EngineInfo struct {
	State      string       `json:"state"`
	Generation uint64       `json:"generation"`
	KeepAlive  bool         `json:"keep_alive_held"`
	Session    *SessionInfo `json:"session,omitempty"`
}

// Info captures a monitoring snapshot of the engine and its session.
func (e *Engine) Info() EngineInfo {
	e.mu.Lock()
	state := e.state
	s := e.session
	e.mu.Unlock()

	info := EngineInfo{
		State:      state.String(),
		Generation: e.generation.Load(),
		KeepAlive:  e.keep.IsHeld(),
	}
	if s != nil {
		si := s.info()
		info.Session = &si
	}
	return info
}

// spawnSession runs the session loop in its own goroutine and escalates a
// hung or fatal exit into a restart request tagged with the session's own
// generation, so an exit from a superseded session is dropped as stale.
func (e *Engine) spawnSession(s *session) {
	go func() {
		err := s.run()
		close(s.done)

		if err == nil {
			return // deliberate stop
		}

		trigger := "hung"
		if errors.Is(err, ErrSessionFatal) {
			trigger = "fatal"
		}
		e.logger.Error("transfer loop terminated",
			slog.String("error", err.Error()),
			slog.Uint64("generation", s.generation),
		)
		e.RequestRestart(trigger, s.generation)
	}()
}

// refreshLoop periodically replaces a healthy session when preventive
// refresh is configured.
func (e *Engine) refreshLoop(ctx context.Context, interval time.Duration) {
	defer e.aux.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("preventive refresh enabled", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.logger.Info("preventive session refresh")
			e.RequestRestart("refresh", e.generation.Load())
		}
	}
}

// setState updates the lifecycle state. Must be called with e.mu held.
func (e *Engine) setState(s State) {
	e.state = s
	e.metrics.EngineState.Set(float64(s))
}

// report forwards a status string to the host sink, swallowing any panic:
// the sink is best-effort and must never take the engine down.
func (e *Engine) report(text string) {
	defer func() {
		_ = recover()
	}()
	e.status.Report(text)
}

// waitClosed waits for ch to be closed, up to d. It reports whether the
// channel closed in time.
func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// nopSink discards status reports.
type nopSink struct{}

func (nopSink) Report(string) {}

package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promediasign/usb-audio-bridge/internal/audio"
	"github.com/promediasign/usb-audio-bridge/internal/config"
	"github.com/promediasign/usb-audio-bridge/internal/device"
	"github.com/promediasign/usb-audio-bridge/internal/metrics"
)

// session owns one open capture+playback device pair and their frame
// buffers, and runs the transfer loop. At most one session is live per
// engine at any time; the engine's construction mutex enforces that.
type session struct {
	cfg        config.RelayConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
	generation uint64

	capture  device.CaptureDevice
	playback device.PlaybackDevice
	inBuf    []int16
	outBuf   []int16
	ratio    int

	startTime time.Time

	// launched is set once construction fully succeeded, so teardown of a
	// partially constructed session does not count against the session
	// lifecycle metrics.
	launched bool

	// Lock-free liveness and error state: single writer (the transfer
	// loop), multiple readers (watchdog, monitoring API).
	running    atomic.Bool
	heartbeat  atomic.Int64 // unix nanos of the last successful transfer
	errCount   atomic.Int32 // consecutive transfer errors
	faults     atomic.Int64 // lifetime unclassified faults
	iterations atomic.Uint64

	// recoveries counts back-to-back in-place recoveries without a clean
	// read between them. Loop goroutine only.
	recoveries int

	// done is closed when the transfer loop goroutine exits.
	done chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// newSession queries buffer sizes, opens and starts both devices, and
// returns a running session. The construction order is strict: playback is
// opened before capture so the destination exists before the source starts
// producing, and any failure releases whatever was already opened.
func newSession(cfg config.RelayConfig, factory device.Factory, logger *slog.Logger,
	m *metrics.Metrics, generation uint64) (*session, error) {

	inLayout := cfg.InputLayoutValue()
	outLayout := cfg.OutputLayoutValue()
	ratio, err := audio.ConversionRatio(inLayout, outLayout)
	if err != nil {
		return nil, err
	}

	captureFormat := device.Format{
		SampleRate: cfg.SampleRate,
		Layout:     inLayout,
		BitDepth:   cfg.BitDepth,
		Signed:     cfg.Signed,
	}
	playbackFormat := captureFormat
	playbackFormat.Layout = outLayout

	capture := factory.NewCapture()
	playback := factory.NewPlayback()

	captureMin, err := capture.MinBufferSize(captureFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: capture query: %v", ErrInvalidBufferSize, err)
	}
	playbackMin, err := playback.MinBufferSize(playbackFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: playback query: %v", ErrInvalidBufferSize, err)
	}

	inCap, outCap, err := audio.FrameSizing(captureMin, playbackMin, ratio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBufferSize, err)
	}

	logger.Info("sizing session buffers",
		slog.Int("capture_min", captureMin),
		slog.Int("playback_min", playbackMin),
		slog.Int("input_samples", inCap),
		slog.Int("output_samples", outCap),
	)

	// Open playback first.
	if err := playback.Open(playbackFormat, outCap); err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrPlaybackInit, err)
	}
	if st := playback.State(); st != device.StateReady {
		playback.Release()
		return nil, fmt.Errorf("%w: unexpected state %s after open", ErrPlaybackInit, st)
	}

	// Then capture, releasing the playback device on failure.
	if err := capture.Open(captureFormat, inCap); err != nil {
		playback.Release()
		return nil, fmt.Errorf("%w: open: %v", ErrCaptureInit, err)
	}
	if st := capture.State(); st != device.StateReady {
		capture.Release()
		playback.Release()
		return nil, fmt.Errorf("%w: unexpected state %s after open", ErrCaptureInit, st)
	}

	s := &session{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		generation: generation,
		capture:    capture,
		playback:   playback,
		inBuf:      make([]int16, inCap),
		outBuf:     make([]int16, outCap),
		ratio:      ratio,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}

	// Start the destination before the source.
	if err := playback.Start(); err != nil {
		s.close()
		return nil, fmt.Errorf("%w: start: %v", ErrPlaybackInit, err)
	}
	if err := capture.Start(); err != nil {
		s.close()
		return nil, fmt.Errorf("%w: start: %v", ErrCaptureInit, err)
	}

	s.launched = true
	s.running.Store(true)
	s.heartbeat.Store(time.Now().UnixNano())
	m.SessionsCreated.Inc()

	logger.Info("audio session started",
		slog.Uint64("generation", generation),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("input_layout", inLayout.String()),
		slog.String("output_layout", outLayout.String()),
	)

	return s, nil
}

// run executes the transfer loop until the session is stopped or an error
// escalates past the loop's recovery budget. It returns nil on a deliberate
// stop, ErrSessionHung or ErrSessionFatal otherwise.
func (s *session) run() error {
	for s.running.Load() {
		s.iterations.Add(1)
		if err := s.step(); err != nil {
			s.running.Store(false)
			return err
		}
	}
	return nil
}

// step performs one transfer iteration. Unclassified faults are caught here
// at the loop boundary: each one is counted and swallowed until the lifetime
// fault count exceeds the fatal threshold.
func (s *session) step() (escalate error) {
	defer func() {
		if r := recover(); r != nil {
			faults := s.faults.Add(1)
			s.metrics.LoopFaults.Inc()
			s.logger.Error("unclassified fault in transfer loop",
				slog.Any("fault", r),
				slog.Int64("lifetime_faults", faults),
			)
			if faults > int64(s.cfg.FatalFaultThreshold) {
				escalate = fmt.Errorf("%w: %d unclassified faults", ErrSessionFatal, faults)
			}
		}
	}()

	backoff := s.cfg.GetErrorBackoff()

	// A device that silently dropped to inactive gets one in-place
	// restart before the next transfer attempt.
	if st := s.capture.State(); st == device.StateInactive {
		s.logger.Warn("capture device inactive, restarting in place")
		if err := s.capture.Start(); err != nil {
			s.countError("state", err)
		}
		time.Sleep(backoff)
		return nil
	}
	if st := s.playback.State(); st == device.StateInactive {
		s.logger.Warn("playback device inactive, restarting in place")
		if err := s.playback.Start(); err != nil {
			s.countError("state", err)
		}
		time.Sleep(backoff)
		return nil
	}

	n, err := s.capture.Read(s.inBuf)
	switch {
	case err != nil:
		s.countError("read", err)
		time.Sleep(backoff)

	case n == 0:
		// Transient stall.
		s.errCount.Add(1)
		s.metrics.TransferStalls.Inc()
		time.Sleep(backoff)

	default:
		s.errCount.Store(0)
		s.recoveries = 0

		out := audio.Convert(s.outBuf, s.inBuf, n, s.ratio)
		if _, werr := s.playback.Write(s.outBuf, out); werr != nil {
			// The captured frame is discarded; the write failure only
			// feeds the error counter.
			s.countError("write", werr)
		} else {
			s.heartbeat.Store(time.Now().UnixNano())
			s.metrics.FramesRelayed.Inc()
			s.metrics.SamplesRelayed.Add(float64(out))
		}
	}

	if int(s.errCount.Load()) > s.cfg.ErrorThreshold {
		return s.recoverInPlace()
	}
	return nil
}

// countError increments the consecutive-error counter and records the error.
func (s *session) countError(kind string, err error) {
	s.errCount.Add(1)
	s.metrics.TransferErrors.WithLabelValues(kind).Inc()
	s.logger.Warn("transfer error",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
		slog.Int("consecutive_errors", int(s.errCount.Load())),
	)
}

// recoverInPlace stops and restarts both devices without reallocating the
// session. If the recovery budget is exhausted, or the recovery itself
// faults, the session surfaces ErrSessionHung and its owner decides whether
// to replace it.
func (s *session) recoverInPlace() error {
	s.recoveries++
	if s.recoveries > s.cfg.RecoveryLimit {
		return fmt.Errorf("%w: %d in-place recoveries without a clean read", ErrSessionHung, s.recoveries-1)
	}

	s.metrics.InPlaceRecoveries.Inc()
	s.logger.Warn("error threshold exceeded, recovering devices in place",
		slog.Int("consecutive_errors", int(s.errCount.Load())),
		slog.Int("attempt", s.recoveries),
	)

	var recErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				recErr = fmt.Errorf("%w: fault during in-place recovery: %v", ErrSessionHung, r)
			}
		}()

		// Playback-then-capture, the same order as full teardown.
		s.playback.Stop()
		s.capture.Stop()
		time.Sleep(s.cfg.GetErrorBackoff())

		if err := s.playback.Start(); err != nil {
			recErr = fmt.Errorf("%w: playback restart: %v", ErrSessionHung, err)
			return
		}
		if err := s.capture.Start(); err != nil {
			recErr = fmt.Errorf("%w: capture restart: %v", ErrSessionHung, err)
			return
		}
	}()
	if recErr != nil {
		return recErr
	}

	s.errCount.Store(0)
	return nil
}

// stop signals the transfer loop to exit after the current iteration.
func (s *session) stop() {
	s.running.Store(false)
}

// close tears both devices down in playback-then-capture order, mirroring
// the deliberate start order in reverse. It is idempotent and safe to call
// on a partially constructed session.
func (s *session) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.playback != nil {
		if s.playback.State() == device.StateActive {
			s.playback.Stop()
		}
		s.playback.Release()
	}
	if s.capture != nil {
		if s.capture.State() == device.StateActive {
			s.capture.Stop()
		}
		s.capture.Release()
	}

	if s.launched {
		s.metrics.SessionsDestroyed.Inc()
		s.metrics.SessionDuration.Observe(time.Since(s.startTime).Seconds())
	}

	s.logger.Info("audio session closed",
		slog.Uint64("generation", s.generation),
		slog.Duration("lifetime", time.Since(s.startTime)),
		slog.Uint64("iterations", s.iterations.Load()),
	)
}

// heartbeatTime returns the timestamp of the last successful transfer.
func (s *session) heartbeatTime() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

// SessionInfo is a point-in-time snapshot of session state for monitoring.
type SessionInfo struct {
	Generation          uint64    `json:"generation"`
	StartTime           time.Time `json:"start_time"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
	Iterations          uint64    `json:"iterations"`
	ConsecutiveErrors   int       `json:"consecutive_errors"`
	LifetimeFaults      int64     `json:"lifetime_faults"`
	LastTransfer        time.Time `json:"last_transfer"`
	HeartbeatAgeSeconds float64   `json:"heartbeat_age_seconds"`
	InputBufferSamples  int       `json:"input_buffer_samples"`
	OutputBufferSamples int       `json:"output_buffer_samples"`
}

// info captures a monitoring snapshot.
func (s *session) info() SessionInfo {
	hb := s.heartbeatTime()
	return SessionInfo{
		Generation:          s.generation,
		StartTime:           s.startTime,
		UptimeSeconds:       time.Since(s.startTime).Seconds(),
		Iterations:          s.iterations.Load(),
		ConsecutiveErrors:   int(s.errCount.Load()),
		LifetimeFaults:      s.faults.Load(),
		LastTransfer:        hb,
		HeartbeatAgeSeconds: time.Since(hb).Seconds(),
		InputBufferSamples:  len(s.inBuf),
		OutputBufferSamples: len(s.outBuf),
	}
}

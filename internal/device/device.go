package device

import (
	"fmt"

	"github.com/promediasign/usb-audio-bridge/internal/audio"
)

// State represents the lifecycle state a device reports.
type State int

const (
	// StateUninitialized means the device has not been opened.
	StateUninitialized State = iota

	// StateReady means the device is opened and configured but not started.
	StateReady

	// StateActive means the device is started and transferring.
	StateActive

	// StateInactive means the device was started but has silently dropped
	// out of the active state, typically after a hardware glitch.
	StateInactive
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Format describes the sample format a device is opened with.
type Format struct {
	SampleRate int
	Layout     audio.Layout
	BitDepth   int
	Signed     bool
}

// CaptureDevice is the contract for an audio source. Implementations are
// owned exclusively by one session at a time; none of the methods need to
// be safe for concurrent use.
type CaptureDevice interface {
	// MinBufferSize reports the minimum transfer buffer size in samples
	// for the given format. Non-positive values indicate the format is
	// unsupported.
	MinBufferSize(f Format) (int, error)

	// Open allocates device resources for the format and buffer size.
	Open(f Format, bufferSize int) error

	// Start begins capturing.
	Start() error

	// Read fills buf with captured samples. It returns the number of
	// samples read, zero for a transient stall, or an error.
	Read(buf []int16) (int, error)

	// State reports the current device state.
	State() State

	// Stop halts capturing. Safe to call in any state.
	Stop()

	// Release frees device resources. Safe to call in any state.
	Release()
}

// PlaybackDevice is the contract for an audio sink. Same ownership rules as
// CaptureDevice.
type PlaybackDevice interface {
	MinBufferSize(f Format) (int, error)
	Open(f Format, bufferSize int) error
	Start() error

	// Write submits the first n samples of buf for playback and returns
	// the number of samples accepted or an error.
	Write(buf []int16, n int) (int, error)

	State() State
	Stop()
	Release()
}

// Factory produces fresh device handles. The engine calls it once per
// session, including every restart, so implementations must return handles
// backed by newly acquired resources rather than recycled ones.
type Factory interface {
	NewCapture() CaptureDevice
	NewPlayback() PlaybackDevice
}

// StatusSink receives human-readable engine state strings for display.
// Implementations must be best-effort: they may drop reports but must never
// block or panic into the engine.
type StatusSink interface {
	Report(text string)
}

// KeepAliveToken models a host-provided keep-awake handle. The engine
// acquires it on start and releases it on stop, never mid-lifecycle.
type KeepAliveToken interface {
	Acquire()
	Release()
	IsHeld() bool
}

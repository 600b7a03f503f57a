package relay

import "errors"

var (
	// ErrInvalidBufferSize indicates a device reported a non-positive
	// minimum buffer size for the configured format.
	ErrInvalidBufferSize = errors.New("invalid device buffer size")

	// ErrPlaybackInit indicates the playback device failed to open or
	// start during session construction.
	ErrPlaybackInit = errors.New("playback device initialization failed")

	// ErrCaptureInit indicates the capture device failed to open or start
	// during session construction.
	ErrCaptureInit = errors.New("capture device initialization failed")

	// ErrSessionHung indicates the transfer loop exceeded its consecutive
	// error budget and in-place recovery could not restore clean reads.
	// The owning engine replaces the session.
	ErrSessionHung = errors.New("audio session hung")

	// ErrSessionFatal indicates the transfer loop accumulated more
	// unclassified faults than the fatal threshold allows. The owning
	// engine replaces the session.
	ErrSessionFatal = errors.New("audio session fatal fault")
)

package device

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SynthCapture is an in-memory CaptureDevice producing a deterministic ramp
// signal. The bridge binary uses it when no platform device layer is wired
// in, and it doubles as a reference implementation of the capture contract.
type SynthCapture struct {
	// FrameSamples overrides the reported minimum buffer size when > 0.
	FrameSamples int

	// Interval, when non-zero, paces Read calls to simulate a device that
	// blocks until a hardware buffer fills.
	Interval time.Duration

	state State
	next  int16
	reads uint64
}

// MinBufferSize reports the synthetic minimum transfer size.
func (c *SynthCapture) MinBufferSize(f Format) (int, error) {
	if f.SampleRate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if c.FrameSamples > 0 {
		return c.FrameSamples, nil
	}
	// Roughly 20ms worth of samples.
	return f.SampleRate * f.Layout.Channels() / 50, nil
}

// Open transitions the device to ready.
func (c *SynthCapture) Open(f Format, bufferSize int) error {
	if bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	c.state = StateReady
	return nil
}

// Start transitions the device to active.
func (c *SynthCapture) Start() error {
	if c.state == StateUninitialized {
		return fmt.Errorf("capture device not opened")
	}
	c.state = StateActive
	return nil
}

// Read fills buf with the next ramp samples.
func (c *SynthCapture) Read(buf []int16) (int, error) {
	if c.state != StateActive {
		return 0, fmt.Errorf("capture device not active (state %s)", c.state)
	}
	if c.Interval > 0 {
		time.Sleep(c.Interval)
	}
	for i := range buf {
		buf[i] = c.next
		c.next++
	}
	c.reads++
	return len(buf), nil
}

// State reports the current device state.
func (c *SynthCapture) State() State { return c.state }

// Stop transitions an active device back to ready.
func (c *SynthCapture) Stop() {
	if c.state == StateActive || c.state == StateInactive {
		c.state = StateReady
	}
}

// Release frees the device.
func (c *SynthCapture) Release() { c.state = StateUninitialized }

// DiscardPlayback is an in-memory PlaybackDevice that accepts and counts
// every sample written to it.
type DiscardPlayback struct {
	// FrameSamples overrides the reported minimum buffer size when > 0.
	FrameSamples int

	state   State
	samples uint64
	writes  uint64
}

// MinBufferSize reports the synthetic minimum transfer size.
func (p *DiscardPlayback) MinBufferSize(f Format) (int, error) {
	if f.SampleRate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if p.FrameSamples > 0 {
		return p.FrameSamples, nil
	}
	return f.SampleRate * f.Layout.Channels() / 50, nil
}

// Open transitions the device to ready.
func (p *DiscardPlayback) Open(f Format, bufferSize int) error {
	if bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	p.state = StateReady
	return nil
}

// Start transitions the device to active.
func (p *DiscardPlayback) Start() error {
	if p.state == StateUninitialized {
		return fmt.Errorf("playback device not opened")
	}
	p.state = StateActive
	return nil
}

// Write accepts n samples from buf.
func (p *DiscardPlayback) Write(buf []int16, n int) (int, error) {
	if p.state != StateActive {
		return 0, fmt.Errorf("playback device not active (state %s)", p.state)
	}
	if n > len(buf) {
		n = len(buf)
	}
	p.samples += uint64(n)
	p.writes++
	return n, nil
}

// State reports the current device state.
func (p *DiscardPlayback) State() State { return p.state }

// Stop transitions an active device back to ready.
func (p *DiscardPlayback) Stop() {
	if p.state == StateActive || p.state == StateInactive {
		p.state = StateReady
	}
}

// Release frees the device.
func (p *DiscardPlayback) Release() { p.state = StateUninitialized }

// SamplesWritten returns the total number of samples accepted.
func (p *DiscardPlayback) SamplesWritten() uint64 { return p.samples }

// SynthFactory builds fresh synthetic device pairs for every session.
type SynthFactory struct {
	// Interval paces the capture side; zero means free-running.
	Interval time.Duration
}

// NewCapture returns a fresh SynthCapture.
func (f *SynthFactory) NewCapture() CaptureDevice {
	return &SynthCapture{Interval: f.Interval}
}

// NewPlayback returns a fresh DiscardPlayback.
func (f *SynthFactory) NewPlayback() PlaybackDevice {
	return &DiscardPlayback{}
}

// FlagToken is a KeepAliveToken backed by an atomic flag. Hosts without a
// platform keep-awake facility use it to satisfy the engine contract.
type FlagToken struct {
	held atomic.Bool
}

// Acquire marks the token as held.
func (t *FlagToken) Acquire() { t.held.Store(true) }

// Release marks the token as released.
func (t *FlagToken) Release() { t.held.Store(false) }

// IsHeld reports whether the token is currently held.
func (t *FlagToken) IsHeld() bool { return t.held.Load() }

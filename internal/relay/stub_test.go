package relay

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promediasign/usb-audio-bridge/internal/config"
	"github.com/promediasign/usb-audio-bridge/internal/device"
	"github.com/promediasign/usb-audio-bridge/internal/metrics"
)

// createTestRelayConfig returns a relay configuration with short timings
// suitable for tests.
func createTestRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		SampleRate:          48000,
		InputLayout:         "mono",
		OutputLayout:        "stereo",
		BitDepth:            16,
		Signed:              true,
		ErrorThreshold:      3,
		FatalFaultThreshold: 10,
		RecoveryLimit:       2,
		HangTimeout:         1,
		WatchdogInterval:    0.01,
		RefreshInterval:     0,
		SettleDelay:         1,
		ErrorBackoff:        1,
	}
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// eventLog records device call ordering across a stub pair.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) indexOf(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.events {
		if ev == e {
			return i
		}
	}
	return -1
}

// stubCapture is a scriptable CaptureDevice.
type stubCapture struct {
	minSize  int
	minErr   error
	openErr  error
	openFn   func() error
	startErr error
	readFn   func(buf []int16) (int, error)
	log      *eventLog

	mu       sync.Mutex
	state    device.State
	starts   int
	stops    int
	releases int
}

func (c *stubCapture) MinBufferSize(f device.Format) (int, error) {
	return c.minSize, c.minErr
}

func (c *stubCapture) Open(f device.Format, bufferSize int) error {
	if c.log != nil {
		c.log.add("capture.open")
	}
	if c.openErr != nil {
		return c.openErr
	}
	if c.openFn != nil {
		if err := c.openFn(); err != nil {
			return err
		}
	}
	c.setState(device.StateReady)
	return nil
}

func (c *stubCapture) Start() error {
	if c.log != nil {
		c.log.add("capture.start")
	}
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.setState(device.StateActive)
	return nil
}

func (c *stubCapture) Read(buf []int16) (int, error) {
	if c.readFn != nil {
		return c.readFn(buf)
	}
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (c *stubCapture) State() device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubCapture) setState(s device.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *stubCapture) Stop() {
	if c.log != nil {
		c.log.add("capture.stop")
	}
	c.mu.Lock()
	c.stops++
	if c.state == device.StateActive || c.state == device.StateInactive {
		c.state = device.StateReady
	}
	c.mu.Unlock()
}

func (c *stubCapture) Release() {
	if c.log != nil {
		c.log.add("capture.release")
	}
	c.mu.Lock()
	c.releases++
	c.state = device.StateUninitialized
	c.mu.Unlock()
}

// stubPlayback is a scriptable PlaybackDevice.
type stubPlayback struct {
	minSize  int
	minErr   error
	openErr  error
	startErr error
	writeFn  func(buf []int16, n int) (int, error)
	log      *eventLog

	mu       sync.Mutex
	state    device.State
	starts   int
	stops    int
	releases int
	samples  uint64
}

func (p *stubPlayback) MinBufferSize(f device.Format) (int, error) {
	return p.minSize, p.minErr
}

func (p *stubPlayback) Open(f device.Format, bufferSize int) error {
	if p.log != nil {
		p.log.add("playback.open")
	}
	if p.openErr != nil {
		return p.openErr
	}
	p.setState(device.StateReady)
	return nil
}

func (p *stubPlayback) Start() error {
	if p.log != nil {
		p.log.add("playback.start")
	}
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.setState(device.StateActive)
	return nil
}

func (p *stubPlayback) Write(buf []int16, n int) (int, error) {
	if p.writeFn != nil {
		return p.writeFn(buf, n)
	}
	p.mu.Lock()
	p.samples += uint64(n)
	p.mu.Unlock()
	return n, nil
}

func (p *stubPlayback) State() device.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *stubPlayback) setState(s device.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *stubPlayback) Stop() {
	if p.log != nil {
		p.log.add("playback.stop")
	}
	p.mu.Lock()
	p.stops++
	if p.state == device.StateActive || p.state == device.StateInactive {
		p.state = device.StateReady
	}
	p.mu.Unlock()
}

func (p *stubPlayback) Release() {
	if p.log != nil {
		p.log.add("playback.release")
	}
	p.mu.Lock()
	p.releases++
	p.state = device.StateUninitialized
	p.mu.Unlock()
}

// stubFactory hands out scripted device pairs, one per session, and counts
// how many sessions pulled devices from it.
type stubFactory struct {
	mu        sync.Mutex
	captures  []*stubCapture
	playbacks []*stubPlayback
	built     int

	// newCapture, when set, overrides the scripted captures.
	newCapture  func(n int) *stubCapture
	newPlayback func(n int) *stubPlayback
}

func (f *stubFactory) NewCapture() device.CaptureDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.built
	f.built++
	if f.newCapture != nil {
		return f.newCapture(n)
	}
	if n < len(f.captures) {
		return f.captures[n]
	}
	return &stubCapture{minSize: 256}
}

func (f *stubFactory) NewPlayback() device.PlaybackDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	// built was already advanced by the paired NewCapture call.
	n := f.built - 1
	if f.newPlayback != nil {
		return f.newPlayback(n)
	}
	if n >= 0 && n < len(f.playbacks) {
		return f.playbacks[n]
	}
	return &stubPlayback{minSize: 512}
}

func (f *stubFactory) sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

// recordingSink captures status reports for assertions.
type recordingSink struct {
	mu      sync.Mutex
	reports []string
}

func (s *recordingSink) Report(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, text)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reports...)
}

func (s *recordingSink) contains(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if len(r) >= len(prefix) && r[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// requireEventBefore asserts that event a happened before event b.
func requireEventBefore(t *testing.T, log *eventLog, a, b string) {
	t.Helper()
	ia, ib := log.indexOf(a), log.indexOf(b)
	if ia < 0 || ib < 0 {
		t.Fatalf("missing events %q (%d) or %q (%d) in %v", a, ia, b, ib, log.snapshot())
	}
	if ia >= ib {
		t.Fatalf("expected %q before %q, got order %v", a, b, log.snapshot())
	}
}

var errStub = fmt.Errorf("stub device failure")

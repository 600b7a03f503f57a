package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promediasign/usb-audio-bridge/internal/device"
)

func createTestEngine(factory device.Factory, opts Options) *Engine {
	return NewEngine(createTestRelayConfig(), factory, createTestLogger(), createTestMetrics(), opts)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineStartStop(t *testing.T) {
	factory := &stubFactory{}
	sink := &recordingSink{}
	token := &device.FlagToken{}

	e := createTestEngine(factory, Options{Status: sink, KeepAlive: token})

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("expected running state, got %s", e.State())
	}
	if !token.IsHeld() {
		t.Error("keep-alive token not acquired on start")
	}

	// Start is idempotent while running.
	if err := e.Start(); err != nil {
		t.Errorf("second Start returned error: %v", err)
	}
	if factory.sessions() != 1 {
		t.Errorf("expected one session after double Start, got %d", factory.sessions())
	}

	e.Stop()
	if e.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", e.State())
	}
	if token.IsHeld() {
		t.Error("keep-alive token not released on stop")
	}

	// Stop is idempotent.
	e.Stop()

	if !sink.contains("Starting") || !sink.contains("Running @") || !sink.contains("Stopped") {
		t.Errorf("missing lifecycle status reports: %v", sink.snapshot())
	}
}

func TestEngineStartFailureStaysStopped(t *testing.T) {
	factory := &stubFactory{
		captures:  []*stubCapture{{minSize: 256, openErr: errStub}},
		playbacks: []*stubPlayback{{minSize: 512}},
	}
	sink := &recordingSink{}
	token := &device.FlagToken{}

	e := createTestEngine(factory, Options{Status: sink, KeepAlive: token})

	err := e.Start()
	if !errors.Is(err, ErrCaptureInit) {
		t.Fatalf("expected ErrCaptureInit, got %v", err)
	}
	if e.State() != StateStopped {
		t.Errorf("expected stopped state after init failure, got %s", e.State())
	}
	if token.IsHeld() {
		t.Error("keep-alive token leaked after init failure")
	}
	if !sink.contains("Error:") {
		t.Errorf("init failure not reported to status sink: %v", sink.snapshot())
	}

	// The engine does not retry on its own; the host may.
	if factory.sessions() != 1 {
		t.Errorf("expected exactly one construction attempt, got %d", factory.sessions())
	}
}

func TestEngineRestartIdempotence(t *testing.T) {
	factory := &stubFactory{}
	e := createTestEngine(factory, Options{})

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	gen := e.Generation()

	var replaced atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.RequestRestart("watchdog", gen) {
				replaced.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := replaced.Load(); got != 1 {
		t.Errorf("expected concurrent requests to collapse to exactly one replacement, got %d", got)
	}
	if factory.sessions() != 2 {
		t.Errorf("expected 2 sessions (initial + one restart), got %d", factory.sessions())
	}
	if e.Generation() != gen+1 {
		t.Errorf("expected generation %d after restart, got %d", gen+1, e.Generation())
	}
}

func TestEngineStaleGenerationDropped(t *testing.T) {
	factory := &stubFactory{}
	e := createTestEngine(factory, Options{})

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	if e.RequestRestart("watchdog", e.Generation()+5) {
		t.Error("expected stale-generation request to be dropped")
	}
	if factory.sessions() != 1 {
		t.Errorf("stale request replaced the session: %d sessions", factory.sessions())
	}
}

func TestEngineCrashRecovery(t *testing.T) {
	// The first session's capture device faults on every read; once the
	// fault count passes the fatal threshold the session reports a fatal
	// exit and the engine replaces it with a healthy one.
	factory := &stubFactory{
		newCapture: func(n int) *stubCapture {
			c := &stubCapture{minSize: 256}
			if n == 0 {
				c.readFn = func(buf []int16) (int, error) { panic("injected fault") }
			}
			return c
		},
	}

	e := createTestEngine(factory, Options{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return factory.sessions() == 2 && e.State() == StateRunning && !e.RestartInProgress()
	}, "engine did not recover with a fresh session after fatal faults")

	if e.Generation() != 1 {
		t.Errorf("expected exactly one restart (generation 1), got generation %d", e.Generation())
	}

	// The replacement session is healthy and relaying.
	hb1, _, ok := e.Liveness()
	if !ok {
		t.Fatal("no live session after recovery")
	}
	waitFor(t, time.Second, func() bool {
		hb2, _, ok := e.Liveness()
		return ok && hb2.After(hb1)
	}, "replacement session is not stamping its heartbeat")
}

func TestEngineStopDuringRestartDiscardsReplacement(t *testing.T) {
	// The replacement session's capture device blocks inside Open so Stop
	// can be called while the restart executor is mid-construction.
	gate := make(chan struct{})
	entered := make(chan struct{})
	var replacement *stubCapture

	factory := &stubFactory{
		newCapture: func(n int) *stubCapture {
			c := &stubCapture{minSize: 256}
			if n == 1 {
				c.openFn = func() error {
					close(entered)
					<-gate
					return nil
				}
				replacement = c
			}
			return c
		},
	}

	e := createTestEngine(factory, Options{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	restartDone := make(chan bool, 1)
	go func() { restartDone <- e.RequestRestart("watchdog", e.Generation()) }()

	<-entered
	e.Stop()
	close(gate)

	if replaced := <-restartDone; replaced {
		t.Error("restart reported success after shutdown")
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", e.State())
	}
	if _, _, ok := e.Liveness(); ok {
		t.Error("live session installed after Stop returned")
	}
	if replacement.releases != 1 {
		t.Errorf("expected the discarded replacement's devices released once, got %d", replacement.releases)
	}
}

func TestEngineStopDuringStartDiscardsSession(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var capture *stubCapture

	factory := &stubFactory{
		newCapture: func(n int) *stubCapture {
			c := &stubCapture{minSize: 256}
			if n == 0 {
				c.openFn = func() error {
					close(entered)
					<-gate
					return nil
				}
				capture = c
			}
			return c
		},
	}

	token := &device.FlagToken{}
	e := createTestEngine(factory, Options{KeepAlive: token})

	startDone := make(chan error, 1)
	go func() { startDone <- e.Start() }()

	<-entered
	e.Stop()
	close(gate)

	if err := <-startDone; err != nil {
		t.Fatalf("Start returned error after racing Stop: %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", e.State())
	}
	if _, _, ok := e.Liveness(); ok {
		t.Error("live session installed after Stop returned")
	}
	if token.IsHeld() {
		t.Error("keep-alive token still held after Stop")
	}
	if capture.releases != 1 {
		t.Errorf("expected the discarded session's devices released once, got %d", capture.releases)
	}
}

func TestEngineOnDeactivateInvokesRelaunch(t *testing.T) {
	factory := &stubFactory{}
	var relaunched atomic.Bool

	e := createTestEngine(factory, Options{
		Relaunch: func() { relaunched.Store(true) },
	})

	if err := e.OnActivate(); err != nil {
		t.Fatalf("OnActivate failed: %v", err)
	}
	e.OnDeactivate()

	if e.State() != StateStopped {
		t.Errorf("expected stopped state after OnDeactivate, got %s", e.State())
	}
	if !relaunched.Load() {
		t.Error("OnDeactivate did not invoke the relaunch hook")
	}
}

func TestEngineHandleConfig(t *testing.T) {
	factory := &stubFactory{}
	e := createTestEngine(factory, Options{})

	bad := createTestRelayConfig()
	bad.SampleRate = -1
	if err := e.HandleConfig(bad); err == nil {
		t.Error("expected validation error for invalid replacement config")
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	updated := createTestRelayConfig()
	updated.SampleRate = 96000
	if err := e.HandleConfig(updated); err != nil {
		t.Fatalf("HandleConfig failed: %v", err)
	}

	// A running engine applies the new config by replacing the session.
	waitFor(t, 5*time.Second, func() bool {
		return factory.sessions() == 2 && e.State() == StateRunning
	}, "config replacement did not restart the session")
}

func TestEngineInfoSnapshot(t *testing.T) {
	factory := &stubFactory{}
	e := createTestEngine(factory, Options{})

	info := e.Info()
	if info.State != "stopped" || info.Session != nil {
		t.Errorf("unexpected idle snapshot: %+v", info)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	info = e.Info()
	if info.State != "running" {
		t.Errorf("expected running snapshot, got %s", info.State)
	}
	if info.Session == nil {
		t.Fatal("running snapshot is missing session info")
	}
	if info.Session.InputBufferSamples == 0 || info.Session.OutputBufferSamples == 0 {
		t.Errorf("session snapshot missing buffer sizes: %+v", info.Session)
	}
}

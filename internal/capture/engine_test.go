package capture

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSession satisfies gpuSession for engine tests.
type fakeSession struct {
	rotation Rotation
	acquire  func(time.Duration) (*Frame, acquireStatus)
	acquires atomic.Int32
	released atomic.Int32
}

func (s *fakeSession) Acquire(timeout time.Duration) (*Frame, acquireStatus) {
	s.acquires.Add(1)
	if s.acquire != nil {
		return s.acquire(timeout)
	}
	return newFrame(4, 4), acquireOK
}
func (s *fakeSession) Rotation() Rotation { return s.rotation }
func (s *fakeSession) Release()           { s.released.Add(1) }

// fakeRegistry records rebuilds and call ordering.
type fakeRegistry struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	rebuilds int
	releases int
	events   []string
}

func (r *fakeRegistry) Rebuild() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilds++
	r.events = append(r.events, "rebuild")
	return nil
}

func (r *fakeRegistry) Session(name string) (gpuSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "lookup")
	s, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	return s, true
}

func (r *fakeRegistry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
}

type fakeLister struct {
	mu       sync.Mutex
	displays []DisplayDescriptor
}

func (l *fakeLister) ListDisplays() []DisplayDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DisplayDescriptor, len(l.displays))
	copy(out, l.displays)
	return out
}

func (l *fakeLister) VirtualBounds() image.Rectangle {
	var b image.Rectangle
	for _, d := range l.ListDisplays() {
		b = b.Union(d.Bounds)
	}
	return b
}

func (l *fakeLister) set(displays []DisplayDescriptor) {
	l.mu.Lock()
	l.displays = displays
	l.mu.Unlock()
}

type fakeAttacher struct {
	err   error
	calls atomic.Int32
}

func (a *fakeAttacher) AttachToInputDesktop() error {
	a.calls.Add(1)
	return a.err
}
func (a *fakeAttacher) Close() error { return nil }

type fakeBlitter struct {
	err   error
	calls atomic.Int32
}

func (b *fakeBlitter) CaptureRect(r image.Rectangle) (*Frame, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return newFrame(r.Dx(), r.Dy()), nil
}
func (b *fakeBlitter) Close() error { return nil }

type fakeWatcher struct {
	onChange func()
	closed   atomic.Bool
}

func (w *fakeWatcher) Start(onChange func()) error { w.onChange = onChange; return nil }
func (w *fakeWatcher) Close() error                { w.closed.Store(true); return nil }

func twoDisplays() []DisplayDescriptor {
	return []DisplayDescriptor{
		{Name: `\\.\DISPLAY1`, Bounds: image.Rect(0, 0, 1920, 1080), Rotation: RotationIdentity, Index: 0},
		{Name: `\\.\DISPLAY2`, Bounds: image.Rect(1920, 0, 3200, 1024), Rotation: Rotation90, Index: 1},
	}
}

type testBackend struct {
	lister   *fakeLister
	registry *fakeRegistry
	attacher *fakeAttacher
	blit     *fakeBlitter
	watcher  *fakeWatcher
}

func newTestBackend(displays []DisplayDescriptor, sessions map[string]*fakeSession) testBackend {
	if sessions == nil {
		sessions = map[string]*fakeSession{}
	}
	return testBackend{
		lister:   &fakeLister{displays: displays},
		registry: &fakeRegistry{sessions: sessions},
		attacher: &fakeAttacher{},
		blit:     &fakeBlitter{},
		watcher:  &fakeWatcher{},
	}
}

func newTestEngine(t *testing.T, tb testBackend) *Engine {
	t.Helper()
	e := newEngine(backend{
		displays: tb.lister,
		registry: tb.registry,
		switcher: tb.attacher,
		blit:     tb.blit,
		watcher:  tb.watcher,
	}, DefaultConfig())
	if err := tb.watcher.Start(e.onDisplayChange); err != nil {
		t.Fatalf("watcher start: %v", err)
	}
	return e
}

func TestRequestFrameUsesGPUPathForIdentityRotation(t *testing.T) {
	sess := &fakeSession{rotation: RotationIdentity}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{`\\.\DISPLAY1`: sess})
	e := newTestEngine(t, tb)

	frame := e.RequestFrame()
	if frame == nil {
		t.Fatal("expected a frame from the gpu path")
	}
	if sess.acquires.Load() != 1 {
		t.Fatalf("expected 1 gpu acquire, got %d", sess.acquires.Load())
	}
	if tb.blit.calls.Load() != 0 {
		t.Fatalf("blit path should not run, got %d calls", tb.blit.calls.Load())
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("expected idle after success, got %v", got)
	}
}

func TestFirstRequestInitializesBeforeCapture(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)

	if got := e.State(); got != StateNeedsReinit {
		t.Fatalf("engine should start needing init, got %v", got)
	}
	e.RequestFrame()

	tb.registry.mu.Lock()
	defer tb.registry.mu.Unlock()
	if tb.registry.rebuilds != 1 {
		t.Fatalf("expected 1 rebuild on first request, got %d", tb.registry.rebuilds)
	}
	if len(tb.registry.events) < 2 || tb.registry.events[0] != "rebuild" {
		t.Fatalf("rebuild must precede session lookup, got %v", tb.registry.events)
	}
}

func TestNoTwoCaptureAttemptsRunConcurrently(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	sess := &fakeSession{
		rotation: RotationIdentity,
		acquire: func(time.Duration) (*Frame, acquireStatus) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return newFrame(2, 2), acquireOK
		},
	}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{`\\.\DISPLAY1`: sess})
	e := newTestEngine(t, tb)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				e.RequestFrame()
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most 1 capture in flight, observed %d", maxInFlight.Load())
	}
}

func TestHardFailureForcesReinitOnNextRequest(t *testing.T) {
	var failed atomic.Bool
	sess := &fakeSession{
		rotation: RotationIdentity,
		acquire: func(time.Duration) (*Frame, acquireStatus) {
			if failed.CompareAndSwap(false, true) {
				return nil, acquireHard
			}
			return newFrame(2, 2), acquireOK
		},
	}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{`\\.\DISPLAY1`: sess})
	e := newTestEngine(t, tb)

	// First request: gpu hard failure, falls back to blit within the attempt.
	frame := e.RequestFrame()
	if frame == nil {
		t.Fatal("expected the blit fallback to produce a frame")
	}
	if tb.blit.calls.Load() != 1 {
		t.Fatalf("expected 1 blit fallback call, got %d", tb.blit.calls.Load())
	}
	if got := e.State(); got != StateNeedsReinit {
		t.Fatalf("expected needs-reinit after hard failure, got %v", got)
	}

	tb.registry.mu.Lock()
	tb.registry.events = nil
	tb.registry.mu.Unlock()

	// Second request: full re-initialization must precede the capture.
	if frame := e.RequestFrame(); frame == nil {
		t.Fatal("expected a frame after reinit")
	}
	tb.registry.mu.Lock()
	events := append([]string(nil), tb.registry.events...)
	rebuilds := tb.registry.rebuilds
	tb.registry.mu.Unlock()
	if rebuilds != 2 {
		t.Fatalf("expected 2 rebuilds total (init + post-failure), got %d", rebuilds)
	}
	if len(events) == 0 || events[0] != "rebuild" {
		t.Fatalf("rebuild must precede the capture, got %v", events)
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("expected idle after reinit, got %v", got)
	}
}

func TestConsecutiveTimeoutsDoNotEscalate(t *testing.T) {
	sess := &fakeSession{
		rotation: RotationIdentity,
		acquire: func(time.Duration) (*Frame, acquireStatus) {
			return nil, acquireTimeout
		},
	}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{`\\.\DISPLAY1`: sess})
	e := newTestEngine(t, tb)

	for i := 0; i < 3; i++ {
		if frame := e.RequestFrame(); frame != nil {
			t.Fatalf("attempt %d: expected no frame on timeout", i)
		}
		if got := e.State(); got != StateIdle {
			t.Fatalf("attempt %d: timeout must not escalate, state %v", i, got)
		}
	}
	tb.registry.mu.Lock()
	defer tb.registry.mu.Unlock()
	if tb.registry.rebuilds != 1 {
		t.Fatalf("expected only the initial rebuild, got %d", tb.registry.rebuilds)
	}
	if tb.blit.calls.Load() != 0 {
		t.Fatalf("timeout must not fall back to blit, got %d calls", tb.blit.calls.Load())
	}
}

func TestEmptyFrameIsSwallowed(t *testing.T) {
	sess := &fakeSession{
		rotation: RotationIdentity,
		acquire: func(time.Duration) (*Frame, acquireStatus) {
			return nil, acquireEmpty
		},
	}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{`\\.\DISPLAY1`: sess})
	e := newTestEngine(t, tb)

	if frame := e.RequestFrame(); frame != nil {
		t.Fatal("expected no frame for an empty poll")
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("empty frame must not escalate, state %v", got)
	}
}

func TestRotatedOutputAlwaysTakesCPUPath(t *testing.T) {
	identity := &fakeSession{rotation: RotationIdentity}
	rotated := &fakeSession{rotation: Rotation90}
	tb := newTestBackend(twoDisplays(), map[string]*fakeSession{
		`\\.\DISPLAY1`: identity,
		`\\.\DISPLAY2`: rotated,
	})
	e := newTestEngine(t, tb)

	e.SetSelectedScreen(`\\.\DISPLAY2`)
	frame := e.RequestFrame()
	if frame == nil {
		t.Fatal("expected a frame from the cpu path")
	}
	if rotated.acquires.Load() != 0 {
		t.Fatalf("rotated output must never take the gpu path, got %d acquires", rotated.acquires.Load())
	}
	if identity.acquires.Load() != 0 {
		t.Fatalf("unselected display must not be captured, got %d acquires", identity.acquires.Load())
	}
	if tb.blit.calls.Load() != 1 {
		t.Fatalf("expected 1 blit call, got %d", tb.blit.calls.Load())
	}
	want := image.Rect(1920, 0, 3200, 1024)
	if frame.Width != want.Dx() || frame.Height != want.Dy() {
		t.Fatalf("expected %dx%d frame, got %dx%d", want.Dx(), want.Dy(), frame.Width, frame.Height)
	}
}

func TestSetSelectedScreenUnknownFallsBackToFirst(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)

	e.SetSelectedScreen("NOSUCHDISPLAY")
	sel := e.SelectedScreen()
	if sel.Name != `\\.\DISPLAY1` {
		t.Fatalf("expected fallback to first display, got %q", sel.Name)
	}
	if sel.Bounds != image.Rect(0, 0, 1920, 1080) {
		t.Fatalf("unexpected bounds %s", sel.Bounds)
	}
}

func TestSetSelectedScreenSameNameIsNoop(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)

	before := e.SelectedScreen()
	e.SetSelectedScreen(before.Name)
	if after := e.SelectedScreen(); after != before {
		t.Fatalf("selection changed on no-op: %+v -> %+v", before, after)
	}
}

func TestDesktopAttachDenialIsFatalForAttemptOnly(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	tb.attacher.err = ErrDesktopAccess
	e := newTestEngine(t, tb)

	if frame := e.RequestFrame(); frame != nil {
		t.Fatal("expected no frame when desktop attach is denied")
	}
	if tb.blit.calls.Load() != 0 {
		t.Fatal("no capture path may run without desktop attachment")
	}
	if got := e.State(); got != StateNeedsReinit {
		t.Fatalf("expected needs-reinit, got %v", got)
	}

	// The engine itself survives: clearing the denial recovers on the next request.
	tb.attacher.err = nil
	if frame := e.RequestFrame(); frame == nil {
		t.Fatal("expected recovery once attach succeeds")
	}
}

func TestBlitFailureMarksReinit(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	tb.blit.err = errors.New("BitBlt failed")
	e := newTestEngine(t, tb)

	if frame := e.RequestFrame(); frame != nil {
		t.Fatal("expected no frame when both paths are unavailable")
	}
	if got := e.State(); got != StateNeedsReinit {
		t.Fatalf("expected needs-reinit after blit failure, got %v", got)
	}
}

func TestDisplayChangeRefreshesBoundsAndForcesReinit(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)
	e.RequestFrame() // complete initial init

	var gotBounds image.Rectangle
	var notified atomic.Bool
	e.OnDisplayChanged(func(r image.Rectangle) {
		gotBounds = r
		notified.Store(true)
	})

	resized := twoDisplays()
	resized[0].Bounds = image.Rect(0, 0, 2560, 1440)
	tb.lister.set(resized)
	tb.watcher.onChange()

	if !notified.Load() {
		t.Fatal("expected display-changed notification")
	}
	if gotBounds != image.Rect(0, 0, 2560, 1440) {
		t.Fatalf("expected refreshed bounds, got %s", gotBounds)
	}
	if got := e.State(); got != StateNeedsReinit {
		t.Fatalf("expected needs-reinit after display change, got %v", got)
	}
	if sel := e.SelectedScreen(); sel.Bounds != image.Rect(0, 0, 2560, 1440) {
		t.Fatalf("selected bounds not refreshed: %s", sel.Bounds)
	}
}

func TestSelectionVanishesOnTopologyChange(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)
	e.SetSelectedScreen(`\\.\DISPLAY2`)

	tb.lister.set(twoDisplays()[:1])
	tb.watcher.onChange()

	if sel := e.SelectedScreen(); sel.Name != `\\.\DISPLAY1` {
		t.Fatalf("expected fallback to remaining display, got %q", sel.Name)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	tb := newTestBackend(twoDisplays(), nil)
	e := newTestEngine(t, tb)

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tb.watcher.closed.Load() {
		t.Fatal("watcher not closed")
	}
	tb.registry.mu.Lock()
	releases := tb.registry.releases
	tb.registry.mu.Unlock()
	if releases != 1 {
		t.Fatalf("expected registry release on close, got %d", releases)
	}
	if frame := e.RequestFrame(); frame != nil {
		t.Fatal("closed engine must not capture")
	}
}

package capture

import (
	"image"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w4560000/TestFrame/internal/logging"
)

// State is the engine's capture state.
type State int32

const (
	StateIdle State = iota
	StateCaptureInFlight
	StateNeedsReinit
)

func (s State) String() string {
	switch s {
	case StateCaptureInFlight:
		return "capture-in-flight"
	case StateNeedsReinit:
		return "needs-reinit"
	default:
		return "idle"
	}
}

// gpuSession is one output's GPU duplication state: device, duplication
// handle, and CPU-readable staging surface.
type gpuSession interface {
	// Acquire polls the duplication handle for a new frame within timeout.
	Acquire(timeout time.Duration) (*Frame, acquireStatus)
	Rotation() Rotation
	Release()
}

// sessionRegistry owns the set of gpuSessions keyed by display device name.
type sessionRegistry interface {
	// Rebuild releases all held sessions, then recreates one per
	// adapter/output pair. Per-pair failures are isolated; a partial set is
	// valid. Returns an error only when enumeration itself fails.
	Rebuild() error
	Session(name string) (gpuSession, bool)
	ReleaseAll()
}

// desktopAttacher attaches the calling OS thread to the active input desktop.
type desktopAttacher interface {
	AttachToInputDesktop() error
	Close() error
}

// displayLister enumerates the current display topology.
type displayLister interface {
	ListDisplays() []DisplayDescriptor
	VirtualBounds() image.Rectangle
}

// blitter is the CPU capture path: a direct pixel copy of a screen rectangle.
type blitter interface {
	CaptureRect(r image.Rectangle) (*Frame, error)
	Close() error
}

// displayWatcher delivers OS display-configuration-changed notifications.
type displayWatcher interface {
	Start(onChange func()) error
	Close() error
}

// backend bundles the platform implementations the engine drives.
type backend struct {
	displays displayLister
	registry sessionRegistry
	switcher desktopAttacher
	blit     blitter
	watcher  displayWatcher
}

// Engine orchestrates frame capture: it selects the GPU or CPU path per
// request, drives re-initialization after failures and display changes, and
// returns completed bitmaps to the caller.
//
// RequestFrame is a synchronous, blocking call. Only one capture attempt runs
// at a time system-wide; concurrent callers queue on the exclusivity lock.
type Engine struct {
	// captureMu is the capture-exclusivity lock. It serializes capture
	// attempts, display selection, and shutdown.
	captureMu sync.Mutex

	// mu guards the mutable snapshot below. The display-change handler takes
	// only mu, so it never blocks behind an in-flight capture.
	mu          sync.Mutex
	displays    []DisplayDescriptor
	selected    DisplayDescriptor
	needsReinit bool
	listeners   []func(image.Rectangle)
	closed      bool

	state atomic.Int32

	b           backend
	pollTimeout time.Duration
	log         *slog.Logger
}

// New creates an engine on the platform capture backend and subscribes to
// display-change notifications. Call Close to release GPU resources and the
// subscription.
func New(cfg Config) (*Engine, error) {
	b, err := newPlatformBackend()
	if err != nil {
		return nil, err
	}
	e := newEngine(b, cfg)
	if err := e.b.watcher.Start(e.onDisplayChange); err != nil {
		// Capture still works without topology notifications; reinit then
		// only happens through failure detection.
		e.log.Warn("display change subscription failed", logging.KeyError, err)
	}
	return e, nil
}

func newEngine(b backend, cfg Config) *Engine {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	e := &Engine{
		b:           b,
		pollTimeout: cfg.PollTimeout,
		log:         logging.L("capture"),
	}
	displays := b.displays.ListDisplays()
	e.displays = displays
	e.selected = resolveSelection(displays, cfg.Display)
	// Sessions are built lazily by the first request's worker thread, which
	// is attached to the input desktop before DuplicateOutput runs.
	e.needsReinit = true
	e.state.Store(int32(StateNeedsReinit))
	return e
}

// State reports the engine's current capture state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// ListDisplays returns the current display topology.
func (e *Engine) ListDisplays() []DisplayDescriptor {
	return e.b.displays.ListDisplays()
}

// VirtualBounds returns the rectangle spanning all displays.
func (e *Engine) VirtualBounds() image.Rectangle {
	return e.b.displays.VirtualBounds()
}

// SelectedScreen returns the currently targeted display snapshot.
func (e *Engine) SelectedScreen() DisplayDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// SetSelectedScreen switches capture to the named display. A no-op when the
// name is already selected; unknown names fall back to the first enumerated
// display. Runs under the exclusivity lock so it never races an in-flight
// capture's bounds read.
func (e *Engine) SetSelectedScreen(name string) {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	e.mu.Lock()
	if e.selected.Name == name {
		e.mu.Unlock()
		return
	}
	displays := e.displays
	e.mu.Unlock()

	if len(displays) == 0 {
		displays = e.b.displays.ListDisplays()
	}
	sel := resolveSelection(displays, name)

	e.mu.Lock()
	e.displays = displays
	e.selected = sel
	e.mu.Unlock()

	e.log.Debug("selected display", logging.KeyDisplay, sel.Name,
		"bounds", sel.Bounds.String())
}

// OnDisplayChanged registers a listener for display-configuration changes.
// The listener receives the selected display's refreshed bounds.
func (e *Engine) OnDisplayChanged(fn func(image.Rectangle)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// RequestFrame captures one frame of the selected display and returns it, or
// nil when no frame could be produced this attempt (transient timeout, empty
// frame, or a failure already logged). It never panics or returns an error;
// a missed frame is simply absent from the sequence.
func (e *Engine) RequestFrame() *Frame {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.state.Store(int32(StateCaptureInFlight))

	// Capture runs on a dedicated OS thread: SetThreadDesktop is per-thread
	// and the duplication objects have thread affinity.
	done := make(chan *Frame, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- e.captureAttempt()
	}()
	frame := <-done

	e.mu.Lock()
	needs := e.needsReinit
	e.mu.Unlock()
	if needs {
		e.state.Store(int32(StateNeedsReinit))
	} else {
		e.state.Store(int32(StateIdle))
	}
	return frame
}

// captureAttempt runs one capture on the locked worker thread. Every failure
// is converted to a nil frame here; nothing propagates to the caller.
func (e *Engine) captureAttempt() (frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("capture attempt panicked", "panic", r)
			e.markReinit()
			frame = nil
		}
	}()

	if err := e.b.switcher.AttachToInputDesktop(); err != nil {
		e.log.Warn("input desktop attach failed", logging.KeyError, err)
		e.markReinit()
		return nil
	}

	e.mu.Lock()
	needs := e.needsReinit
	e.mu.Unlock()
	if needs {
		e.reinit()
	}

	e.mu.Lock()
	sel := e.selected
	e.mu.Unlock()
	if sel.Name == "" {
		e.log.Warn("no display to capture")
		return nil
	}

	if sess, ok := e.b.registry.Session(sel.Name); ok && sess.Rotation().IsIdentity() {
		f, status := sess.Acquire(e.pollTimeout)
		switch status {
		case acquireOK:
			return f
		case acquireTimeout, acquireEmpty:
			// No frame this attempt; the next request polls again.
			return nil
		case acquireHard:
			e.log.Warn("gpu duplication failed, falling back to blit",
				logging.KeyDisplay, sel.Name)
			e.markReinit()
		}
	}

	f, err := e.b.blit.CaptureRect(sel.Bounds)
	if err != nil {
		e.log.Warn("screen blit failed",
			logging.KeyDisplay, sel.Name, logging.KeyError, err)
		e.markReinit()
		return nil
	}
	return f
}

// reinit re-enumerates displays and rebuilds the session registry. Runs on
// the capture worker thread so DuplicateOutput binds to the input desktop.
func (e *Engine) reinit() {
	start := time.Now()
	displays := e.b.displays.ListDisplays()
	if err := e.b.registry.Rebuild(); err != nil {
		e.log.Warn("session registry rebuild failed", logging.KeyError, err)
	}

	e.mu.Lock()
	e.displays = displays
	e.selected = resolveSelection(displays, e.selected.Name)
	e.needsReinit = false
	e.mu.Unlock()

	e.log.Info("capture reinitialized",
		"displays", len(displays),
		logging.KeyDurationMs, time.Since(start).Milliseconds())
}

func (e *Engine) markReinit() {
	e.mu.Lock()
	e.needsReinit = true
	e.mu.Unlock()
}

// onDisplayChange handles an OS display-configuration-changed notification.
// It refreshes the selected display's cached bounds, forces the next request
// to re-initialize, and notifies listeners. It deliberately does not take the
// exclusivity lock: an in-flight capture finishes undisturbed and only the
// next request sees the change.
func (e *Engine) onDisplayChange() {
	displays := e.b.displays.ListDisplays()

	e.mu.Lock()
	e.displays = displays
	e.selected = resolveSelection(displays, e.selected.Name)
	e.needsReinit = true
	bounds := e.selected.Bounds
	listeners := make([]func(image.Rectangle), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	if e.State() != StateCaptureInFlight {
		e.state.Store(int32(StateNeedsReinit))
	}

	e.log.Info("display configuration changed",
		"displays", len(displays), "bounds", bounds.String())
	for _, fn := range listeners {
		fn(bounds)
	}
}

// Close tears down the display-change subscription and releases all capture
// resources. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.b.watcher.Close(); err != nil {
		e.log.Warn("display watcher close failed", logging.KeyError, err)
	}
	e.b.registry.ReleaseAll()
	if err := e.b.blit.Close(); err != nil {
		e.log.Warn("blitter close failed", logging.KeyError, err)
	}
	return e.b.switcher.Close()
}

// resolveSelection maps a preferred display name onto the current topology,
// falling back deterministically to the first display. Never returns an empty
// selection while any display exists.
func resolveSelection(displays []DisplayDescriptor, name string) DisplayDescriptor {
	for _, d := range displays {
		if d.Name == name {
			return d
		}
	}
	if len(displays) > 0 {
		return displays[0]
	}
	return DisplayDescriptor{}
}

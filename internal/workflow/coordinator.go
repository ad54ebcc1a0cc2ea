package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/scanline/internal/metrics"
	"github.com/andresmejia3/scanline/internal/types"
)

// Camera is the part of the frame source the coordinator drives.
// The coordinator requests liveness changes but never owns the flag.
type Camera interface {
	Start(ctx context.Context) error
	Stop()
	Live() bool
	// Trusts reports whether results produced under session may still be applied.
	Trusts(session string) bool
}

// Coordinator owns the current State. Every method except State, SubscribeState
// and SubscribeSymbols must be called from the foreground Loop.
type Coordinator struct {
	camera  Camera
	log     *slog.Logger
	metrics *metrics.Recorder

	current atomic.Int32

	mu              sync.RWMutex
	stateObservers  []func(State)
	symbolObservers []func(types.Symbol)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

// NewCoordinator returns a coordinator in NotStarted.
func NewCoordinator(camera Camera, opts ...Option) *Coordinator {
	c := &Coordinator{camera: camera, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(int32(NotStarted))
	return c
}

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() State {
	return State(c.current.Load())
}

// SubscribeState registers fn and immediately replays the current state to it.
func (c *Coordinator) SubscribeState(fn func(State)) {
	c.mu.Lock()
	c.stateObservers = append(c.stateObservers, fn)
	c.mu.Unlock()
	fn(c.State())
}

// SubscribeSymbols registers fn for accepted detections. There is no replay.
func (c *Coordinator) SubscribeSymbols(fn func(types.Symbol)) {
	c.mu.Lock()
	c.symbolObservers = append(c.symbolObservers, fn)
	c.mu.Unlock()
}

// SetState replaces the current state and notifies observers in registration
// order. It is a no-op when next equals the current state.
func (c *Coordinator) SetState(next State) bool {
	prev := c.State()
	if prev == next {
		return false
	}
	c.current.Store(int32(next))
	c.log.Debug("workflow state changed", "from", prev.String(), "to", next.String())
	c.metrics.Transition(context.Background(), prev.String(), next.String())

	c.mu.RLock()
	observers := make([]func(State), len(c.stateObservers))
	copy(observers, c.stateObservers)
	c.mu.RUnlock()

	for _, fn := range observers {
		fn(next)
	}
	return true
}

// Start moves a quiescent NotStarted workflow into Detecting.
func (c *Coordinator) Start() bool {
	if c.State() != NotStarted {
		return false
	}
	return c.SetState(Detecting)
}

// OnDetectionResult applies one detector result. Results are dropped unless the
// workflow is Detecting or Unclear and the camera still trusts their session.
func (c *Coordinator) OnDetectionResult(d types.Detection) {
	if !c.State().Accepting() {
		return
	}
	if c.camera != nil && !c.camera.Trusts(d.Session) {
		c.log.Debug("dropping stale detection", "session", d.Session, "frame", d.FrameIndex)
		c.metrics.StaleResult(context.Background())
		return
	}

	switch {
	case d.Symbol.Valid():
		if c.SetState(Detected) {
			c.publishSymbol(*d.Symbol)
		}
	case d.Cue:
		c.SetState(Unclear)
	default:
		c.SetState(Detecting)
	}
}

func (c *Coordinator) publishSymbol(sym types.Symbol) {
	c.mu.RLock()
	observers := make([]func(types.Symbol), len(c.symbolObservers))
	copy(observers, c.symbolObservers)
	c.mu.RUnlock()

	for _, fn := range observers {
		fn(sym)
	}
}

// Confirm advances Detected to Processing. Ignored in any other state.
func (c *Coordinator) Confirm() bool {
	if c.State() != Detected {
		return false
	}
	return c.SetState(Processing)
}

// Complete advances Processing to Processed. Ignored in any other state.
func (c *Coordinator) Complete() bool {
	if c.State() != Processing {
		return false
	}
	return c.SetState(Processed)
}

// MarkCameraLive asks the camera to deliver frames. Idempotent.
func (c *Coordinator) MarkCameraLive(ctx context.Context) error {
	if c.camera == nil || c.camera.Live() {
		return nil
	}
	return c.camera.Start(ctx)
}

// MarkCameraFrozen asks the camera to stop delivering frames. Idempotent.
func (c *Coordinator) MarkCameraFrozen() {
	if c.camera == nil || !c.camera.Live() {
		return
	}
	c.camera.Stop()
}

// Reset freezes the camera and returns to NotStarted from any state. It goes
// through SetState's dedup, so a Reset while already NotStarted notifies no one.
func (c *Coordinator) Reset() {
	c.MarkCameraFrozen()
	c.SetState(NotStarted)
}

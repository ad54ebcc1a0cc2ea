// Package session connects the workflow coordinator to the camera, the host
// lifecycle and presenter commands. Everything that mutates workflow state is
// posted onto a single workflow.Loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/scanline/internal/camera"
	"github.com/andresmejia3/scanline/internal/metrics"
	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/workflow"
)

// ErrPermissionDenied is reported when the host says the camera may not be used.
var ErrPermissionDenied = errors.New("camera permission denied")

// Camera is what a session needs from the frame source.
type Camera interface {
	workflow.Camera
	SetProcessor(p camera.Processor)
	SetFlash(mode camera.FlashMode) error
	Flash() camera.FlashMode
	Release()
}

// Resolution is what the consumer of a confirmed symbol made of it.
type Resolution struct {
	Symbol types.Symbol `json:"symbol"`
	Name   string       `json:"name,omitempty"`
	Known  bool         `json:"known"`
}

// Resolver handles a confirmed symbol while the workflow is Processing.
type Resolver interface {
	Resolve(ctx context.Context, sym types.Symbol) (Resolution, error)
}

type ResolverFunc func(ctx context.Context, sym types.Symbol) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, sym types.Symbol) (Resolution, error) {
	return f(ctx, sym)
}

type Config struct {
	Camera    Camera
	Processor camera.Processor
	// Resolver is optional. Without one a confirmed symbol completes immediately.
	Resolver Resolver
	// StartTimeout is how long a busy camera is retried. Zero tries once.
	StartTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Snapshot is a point-in-time view for presenters. Safe from any goroutine.
type Snapshot struct {
	State      string        `json:"state"`
	Live       bool          `json:"live"`
	Flash      string        `json:"flash"`
	Permission bool          `json:"permission"`
	Symbol     *types.Symbol `json:"symbol,omitempty"`
	Resolution *Resolution   `json:"resolution,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	loop   *workflow.Loop
	coord  *workflow.Coordinator
	cam    Camera
	cfg    Config
	log    *slog.Logger

	granted atomic.Bool
	epoch   int // loop only; bumped every time Processing is entered

	mu           sync.RWMutex
	symbol       *types.Symbol
	resolution   *Resolution
	lastErr      error
	errObservers []func(error)
	resObservers []func(Resolution)

	closeOnce sync.Once
}

// New builds a session around cfg.Camera. ctx bounds camera starts and
// resolver calls; Close cancels it.
func New(ctx context.Context, loop *workflow.Loop, cfg Config) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		loop:   loop,
		cam:    cfg.Camera,
		cfg:    cfg,
		log:    cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.coord = workflow.NewCoordinator(
		retryingCamera{Camera: cfg.Camera, window: cfg.StartTimeout, log: s.log},
		workflow.WithLogger(s.log),
		workflow.WithMetrics(cfg.Metrics),
	)
	// Registered first so the camera follows the state before any presenter hears about it.
	s.coord.SubscribeState(s.onState)
	s.coord.SubscribeSymbols(s.onSymbol)
	return s
}

// Coordinator exposes the state machine so presenters can subscribe to it.
func (s *Session) Coordinator() *workflow.Coordinator {
	return s.coord
}

// OnForeground is called when the host comes to the foreground.
func (s *Session) OnForeground(granted bool) error {
	return s.loop.Post(func() { s.applyPermission(granted) })
}

// OnPermissionResult is called when the host learns the outcome of a permission request.
func (s *Session) OnPermissionResult(granted bool) error {
	return s.loop.Post(func() { s.applyPermission(granted) })
}

// OnBackground resets the workflow and freezes the camera.
func (s *Session) OnBackground() error {
	return s.loop.Post(s.coord.Reset)
}

// Dispatch queues a presenter command.
func (s *Session) Dispatch(cmd Command) error {
	return s.loop.Post(func() { s.handle(cmd) })
}

// SetFlashMode queues an explicit torch setting. It is ignored while the camera is frozen.
func (s *Session) SetFlashMode(mode camera.FlashMode) error {
	return s.loop.Post(func() {
		if !s.cam.Live() {
			s.log.Debug("flash change ignored, camera frozen", "mode", mode.String())
			return
		}
		_ = s.cam.SetFlash(mode)
	})
}

// CameraInterrupted is wired as the frame source's OnInterrupted hook.
func (s *Session) CameraInterrupted(err error) {
	_ = s.loop.Post(func() {
		s.report(fmt.Errorf("camera stream interrupted: %w", err))
		if s.coord.State().WantsLiveCamera() && !s.cam.Live() {
			s.coord.Reset()
		}
	})
}

// Close resets the workflow and releases the camera. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.loop.Post(s.coord.Reset)
		s.cam.Release()
	})
}

func (s *Session) applyPermission(granted bool) {
	if !granted {
		s.granted.Store(false)
		s.coord.Reset()
		s.report(ErrPermissionDenied)
		return
	}
	s.granted.Store(true)
	s.coord.MarkCameraFrozen()
	s.cam.SetProcessor(s.cfg.Processor)
	if !s.coord.Start() {
		// No transition, so the state observer will not bring the camera back.
		s.syncCamera(s.coord.State())
	}
}

func (s *Session) handle(cmd Command) {
	s.log.Debug("command", "command", cmd.String(), "state", s.coord.State().String())
	switch cmd {
	case Retake:
		if !s.granted.Load() {
			s.report(ErrPermissionDenied)
			return
		}
		s.coord.Reset()
		s.coord.Start()
	case ToggleFlash:
		if !s.cam.Live() {
			s.log.Debug("flash toggle ignored, camera frozen")
			return
		}
		next := camera.FlashTorch
		if s.cam.Flash() == camera.FlashTorch {
			next = camera.FlashOff
		}
		// The camera logs unsupported modes itself.
		_ = s.cam.SetFlash(next)
	case Confirm:
		s.coord.Confirm()
	default:
		s.log.Warn("unknown command", "command", cmd.String())
	}
}

func (s *Session) onState(st workflow.State) {
	s.syncCamera(st)

	switch st {
	case workflow.NotStarted, workflow.Detecting:
		s.mu.Lock()
		s.symbol = nil
		s.resolution = nil
		s.mu.Unlock()
	case workflow.Processing:
		s.resolve()
	}
}

func (s *Session) syncCamera(st workflow.State) {
	if !st.WantsLiveCamera() {
		s.coord.MarkCameraFrozen()
		return
	}
	if err := s.coord.MarkCameraLive(s.ctx); err != nil {
		s.log.Warn("camera failed to start", "error", err)
		s.report(err)
		// Posted so the reset is not nested inside the current notification.
		_ = s.loop.Post(func() {
			if s.coord.State().WantsLiveCamera() && !s.cam.Live() {
				s.coord.Reset()
			}
		})
		return
	}
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Session) onSymbol(sym types.Symbol) {
	s.mu.Lock()
	s.symbol = &sym
	s.mu.Unlock()
}

func (s *Session) resolve() {
	s.epoch++
	epoch := s.epoch

	s.mu.RLock()
	sym := s.symbol
	s.mu.RUnlock()

	if s.cfg.Resolver == nil || sym == nil {
		res := Resolution{}
		if sym != nil {
			res.Symbol = *sym
		}
		_ = s.loop.Post(func() { s.finish(epoch, res, nil) })
		return
	}

	symbol := *sym
	go func() {
		res, err := s.cfg.Resolver.Resolve(s.ctx, symbol)
		if err != nil {
			res = Resolution{Symbol: symbol}
		}
		_ = s.loop.Post(func() { s.finish(epoch, res, err) })
	}()
}

// finish applies a resolver outcome if the workflow is still in the
// Processing phase it was started for.
func (s *Session) finish(epoch int, res Resolution, err error) {
	if epoch != s.epoch || s.coord.State() != workflow.Processing {
		s.log.Debug("dropping stale resolution", "payload", res.Symbol.Payload)
		return
	}
	if err != nil {
		s.log.Warn("symbol resolution failed", "payload", res.Symbol.Payload, "error", err)
		s.report(err)
	}

	s.mu.Lock()
	s.resolution = &res
	observers := make([]func(Resolution), len(s.resObservers))
	copy(observers, s.resObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(res)
	}
	s.coord.Complete()
}

func (s *Session) report(err error) {
	s.mu.Lock()
	s.lastErr = err
	observers := make([]func(error), len(s.errObservers))
	copy(observers, s.errObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(err)
	}
}

// SubscribeErrors registers fn for camera, permission and resolver errors.
// Callbacks run on the loop.
func (s *Session) SubscribeErrors(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errObservers = append(s.errObservers, fn)
}

// SubscribeResolutions registers fn for completed symbols. Callbacks run on
// the loop, just before the workflow moves to Processed.
func (s *Session) SubscribeResolutions(fn func(Resolution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resObservers = append(s.resObservers, fn)
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		State:      s.coord.State().String(),
		Live:       s.cam.Live(),
		Flash:      s.cam.Flash().String(),
		Permission: s.granted.Load(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.symbol != nil {
		sym := *s.symbol
		snap.Symbol = &sym
	}
	if s.resolution != nil {
		res := *s.resolution
		snap.Resolution = &res
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// retryingCamera retries busy devices for up to window before giving up.
type retryingCamera struct {
	Camera
	window time.Duration
	log    *slog.Logger
}

func (c retryingCamera) Start(ctx context.Context) error {
	if c.window <= 0 {
		return c.Camera.Start(ctx)
	}
	return camera.StartWithRetry(ctx, c.Camera, c.window, c.log)
}

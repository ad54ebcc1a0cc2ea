package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/scanline/internal/metrics"
	"github.com/andresmejia3/scanline/internal/types"
)

// Liveness is whether the camera is actively delivering frames.
type Liveness int32

const (
	Frozen Liveness = iota
	Live
)

func (l Liveness) String() string {
	if l == Live {
		return "live"
	}
	return "frozen"
}

// Processor consumes frames one at a time. Process returning is the signal
// that the next frame may be delivered.
type Processor interface {
	Process(ctx context.Context, frame types.Frame)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, frame types.Frame)

func (f ProcessorFunc) Process(ctx context.Context, frame types.Frame) { f(ctx, frame) }

// Config tunes a FrameSource.
type Config struct {
	// MaxFPS caps frame delivery. Zero means as fast as the processor allows.
	MaxFPS float64
	// OnInterrupted is called from the delivery goroutine when a live stream
	// ends without Stop being requested.
	OnInterrupted func(err error)
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// FrameSource owns the camera device. It is Live exactly while a delivery
// goroutine is handing frames to the registered processor.
type FrameSource struct {
	device   Device
	cfg      Config
	log      *slog.Logger
	limiter  *rate.Limiter
	liveness atomic.Int32

	mu        sync.Mutex
	processor Processor
	session   string
	stream    Stream
	cancel    context.CancelFunc
	delivery  chan struct{} // closed when the current delivery goroutine exits
	flash     FlashMode
	released  bool

	opening     chan struct{} // closed when an in-progress device Open returns
	openCancel  context.CancelFunc
	openAborted bool
}

func NewFrameSource(device Device, cfg Config) *FrameSource {
	s := &FrameSource{device: device, cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	if cfg.MaxFPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFPS), 1)
	}
	return s
}

// SetProcessor registers the single frame consumer. It takes effect on the next Start.
func (s *FrameSource) SetProcessor(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processor = p
}

// Liveness returns the current flag.
func (s *FrameSource) Liveness() Liveness {
	return Liveness(s.liveness.Load())
}

// Live reports whether frames are being delivered.
func (s *FrameSource) Live() bool {
	return s.Liveness() == Live
}

// Session returns the token of the current live session, or "" when Frozen.
func (s *FrameSource) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Trusts reports whether results tagged with session may still be applied.
func (s *FrameSource) Trusts(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session != "" && session == s.session && s.Live()
}

// Start acquires the device and begins delivering frames. A failed start
// leaves the device released and the source Frozen. The lock is not held while
// the device opens, so readers never wait on a slow camera.
func (s *FrameSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.released {
			return &StartError{Device: s.device.Name(), Err: ErrReleased}
		}
		if s.Live() {
			return nil
		}
		if pending := s.opening; pending != nil {
			// Another caller is opening the device; adopt its outcome.
			s.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				s.mu.Lock()
				return &StartError{Device: s.device.Name(), Err: ctx.Err()}
			}
			s.mu.Lock()
			continue
		}
		if s.processor == nil {
			return &StartError{Device: s.device.Name(), Err: ErrNoProcessor}
		}
		prev := s.delivery
		if prev == nil {
			break
		}
		select {
		case <-prev:
			// Already drained, nothing to wait for.
			s.delivery = nil
			continue
		default:
		}

		// The previous session's goroutine may still be finishing a detection.
		// Waiting for it keeps at most one frame in flight across restarts.
		s.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			s.mu.Lock()
			return &StartError{Device: s.device.Name(), Err: ctx.Err()}
		}
		s.mu.Lock()
		if s.delivery == prev {
			s.delivery = nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	opening := make(chan struct{})
	s.opening = opening
	s.openCancel = cancel
	s.openAborted = false
	processor := s.processor

	s.mu.Unlock()
	stream, err := s.device.Open(runCtx)
	s.mu.Lock()

	aborted := s.openAborted
	s.opening = nil
	s.openCancel = nil
	s.openAborted = false
	close(opening)

	if err != nil {
		cancel()
		if !s.released {
			if cerr := s.device.Close(); cerr != nil {
				s.log.Warn("failed to release camera after start failure", "device", s.device.Name(), "error", cerr)
			}
		}
		switch {
		case s.released:
			err = ErrReleased
		case aborted:
			err = ErrStartAborted
		}
		return &StartError{Device: s.device.Name(), Err: err}
	}
	if s.released || aborted {
		cancel()
		if cerr := stream.Close(); cerr != nil {
			s.log.Debug("closing camera stream", "error", cerr)
		}
		if s.released {
			return &StartError{Device: s.device.Name(), Err: ErrReleased}
		}
		return &StartError{Device: s.device.Name(), Err: ErrStartAborted}
	}

	s.session = uuid.NewString()
	s.stream = stream
	s.cancel = cancel
	s.delivery = make(chan struct{})
	s.liveness.Store(int32(Live))

	s.log.Info("camera live", "device", s.device.Name(), "session", s.session)
	go s.deliver(runCtx, stream, processor, s.session, s.delivery)
	return nil
}

// abortOpenLocked cancels a Start that is waiting on the device.
func (s *FrameSource) abortOpenLocked() {
	if s.opening == nil {
		return
	}
	s.openAborted = true
	if s.openCancel != nil {
		s.openCancel()
	}
}

func (s *FrameSource) deliver(ctx context.Context, stream Stream, p Processor, session string, done chan struct{}) {
	defer close(done)

	index := 0
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		frame, err := stream.Next()
		if err != nil {
			s.interrupted(session, err)
			return
		}

		// The handover decision is made under the lock. A Stop that lands after
		// it finds the frame already delivered; the result carries a stale session.
		s.mu.Lock()
		if session != s.session || !s.Live() {
			s.mu.Unlock()
			return
		}
		index++
		frame.Index = index
		frame.Session = session
		s.mu.Unlock()

		s.cfg.Metrics.FrameDelivered(ctx)
		p.Process(ctx, frame)
	}
}

// interrupted freezes the source if session is still current when its stream dies.
func (s *FrameSource) interrupted(session string, err error) {
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return
	}
	s.freezeLocked()
	s.mu.Unlock()

	if errors.Is(err, io.EOF) {
		s.log.Info("camera stream ended", "device", s.device.Name())
	} else {
		s.log.Warn("camera stream failed", "device", s.device.Name(), "error", err)
	}
	if s.cfg.OnInterrupted != nil {
		s.cfg.OnInterrupted(err)
	}
}

// Stop freezes frame delivery. The device handle is kept for a later Start.
func (s *FrameSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortOpenLocked()
	if !s.Live() {
		return
	}
	s.freezeLocked()
	s.log.Info("camera frozen", "device", s.device.Name())
}

func (s *FrameSource) freezeLocked() {
	s.liveness.Store(int32(Frozen))
	s.session = ""
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Debug("closing camera stream", "error", err)
		}
		s.stream = nil
	}
	if s.flash != FlashOff {
		s.flash = FlashOff
		if err := s.device.SetFlashMode(FlashOff); err != nil {
			s.log.Debug("turning torch off", "error", err)
		}
	}
}

// Release freezes the source and releases the hardware handle. Idempotent, and
// safe while a detection is still outstanding: its late result is untrusted.
func (s *FrameSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.abortOpenLocked()
	s.freezeLocked()
	s.released = true
	if err := s.device.Close(); err != nil {
		s.log.Warn("failed to release camera", "device", s.device.Name(), "error", err)
	}
}

// SetFlash passes the mode through to the hardware. Failures are logged and
// returned but never affect frame delivery.
func (s *FrameSource) SetFlash(mode FlashMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Live() {
		s.log.Debug("ignoring flash change while frozen", "mode", mode.String())
		return ErrNotLive
	}
	if err := s.device.SetFlashMode(mode); err != nil {
		s.log.Warn("flash mode not applied", "mode", mode.String(), "error", err)
		return err
	}
	s.flash = mode
	return nil
}

// Flash returns the last applied flash mode.
func (s *FrameSource) Flash() FlashMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flash
}

package detector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/scanline/internal/metrics"
	"github.com/andresmejia3/scanline/internal/types"
)

// Poster hands work to the foreground context.
type Poster interface {
	Post(fn func()) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Detector Detector
	Loop     Poster
	// OnResult runs on the loop for every processed frame.
	OnResult func(types.Detection)
	Overlay  types.Overlay
	// Timeout bounds a single detection. Zero means no extra bound.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Dispatcher is the frame processor registered with the camera. It runs the
// detector synchronously, so the camera cannot hand over the next frame
// before the previous result has been queued on the loop.
type Dispatcher struct {
	cfg      DispatcherConfig
	log      *slog.Logger
	inFlight atomic.Bool
	dropped  atomic.Int64
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{cfg: cfg, log: cfg.Logger}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Process runs one detection and posts the outcome. Detector failures become
// an empty detection.
func (d *Dispatcher) Process(ctx context.Context, frame types.Frame) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.dropped.Add(1)
		d.log.Error("frame delivered while a detection is outstanding, dropping", "frame", frame.Index)
		return
	}
	defer d.inFlight.Store(false)

	detectCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	began := time.Now()
	det, err := d.cfg.Detector.Detect(detectCtx, frame, d.cfg.Overlay)
	took := time.Since(began)

	if err != nil {
		if ctx.Err() != nil {
			// The camera stopped mid-detection; the result would be stale anyway.
			return
		}
		d.cfg.Metrics.DetectorFailure(ctx)
		d.log.Debug("detector failed, treating as no symbol", "frame", frame.Index, "error", err)
		det = types.Detection{}
	}
	det.Session = frame.Session
	det.FrameIndex = frame.Index
	d.cfg.Metrics.Detection(ctx, outcome(det), took)

	if err := d.cfg.Loop.Post(func() { d.cfg.OnResult(det) }); err != nil {
		d.log.Debug("workflow loop closed, discarding detection", "frame", frame.Index)
	}
}

// Dropped counts frames refused because a detection was still outstanding.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func outcome(det types.Detection) string {
	switch {
	case det.Symbol.Valid():
		return "symbol"
	case det.Cue:
		return "cue"
	default:
		return "none"
	}
}

// Package detector turns camera frames into symbol detections and hands the
// results over to the workflow loop.
package detector

import (
	"context"
	"errors"

	"github.com/andresmejia3/scanline/internal/types"
)

// ErrDetection wraps every backend failure. Callers treat it as "no symbol".
var ErrDetection = errors.New("detection failed")

// Detector examines one frame. Results are expressed in the overlay space;
// a zero overlay keeps frame coordinates.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame, overlay types.Overlay) (types.Detection, error)
	Close() error
}

// boundsOf returns the box enclosing the given points.
func boundsOf(xs, ys []float64) *types.Bounds {
	if len(xs) == 0 || len(xs) != len(ys) {
		return nil
	}
	b := types.Bounds{Left: xs[0], Right: xs[0], Top: ys[0], Bottom: ys[0]}
	for i := 1; i < len(xs); i++ {
		b.Left = min(b.Left, xs[i])
		b.Right = max(b.Right, xs[i])
		b.Top = min(b.Top, ys[i])
		b.Bottom = max(b.Bottom, ys[i])
	}
	return &b
}

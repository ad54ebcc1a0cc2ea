package types

import (
	"strings"
	"time"
)

// Frame is a single captured image handed from the camera to the detector.
type Frame struct {
	Index      int
	Data       []byte // Raw JPEG bytes
	Width      int
	Height     int
	Session    string // Camera session that produced the frame
	CapturedAt time.Time
}

// Bounds is an axis-aligned box in some coordinate space.
type Bounds struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Overlay is the coordinate space the presenter draws in.
// A zero Overlay means "frame coordinates".
type Overlay struct {
	Width  int
	Height int
}

// Scale maps b from a frame of the given size into the overlay space.
func (b Bounds) Scale(frameW, frameH int, o Overlay) Bounds {
	if o.Width <= 0 || o.Height <= 0 || frameW <= 0 || frameH <= 0 {
		return b
	}
	sx := float64(o.Width) / float64(frameW)
	sy := float64(o.Height) / float64(frameH)
	return Bounds{Left: b.Left * sx, Top: b.Top * sy, Right: b.Right * sx, Bottom: b.Bottom * sy}
}

// Symbol matches the JSON structure returned by detector backends.
type Symbol struct {
	Payload string  `json:"payload"`
	Format  string  `json:"format,omitempty"`
	Bounds  *Bounds `json:"bounds,omitempty"`
}

// Valid reports whether the symbol passes the minimal confidence check.
func (s *Symbol) Valid() bool {
	return s != nil && strings.TrimSpace(s.Payload) != ""
}

// Detection is the outcome of running the detector on one frame.
// Cue is set when the detector saw something symbol-like it could not decode.
type Detection struct {
	Symbol     *Symbol `json:"symbol,omitempty"`
	Cue        bool    `json:"cue"`
	Session    string  `json:"-"`
	FrameIndex int     `json:"-"`
}

// ErrorResult captures the error object returned by a worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}

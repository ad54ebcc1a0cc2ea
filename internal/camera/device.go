package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/scanline/internal/types"
)

var (
	// ErrCameraStart is the root of every start failure.
	ErrCameraStart = errors.New("camera start failed")
	// ErrFlashUnsupported is returned by devices without a controllable torch.
	ErrFlashUnsupported = errors.New("flash mode not supported by device")
	// ErrNotLive is returned for operations that need a live camera.
	ErrNotLive = errors.New("camera is not live")
	// ErrReleased is returned once the hardware handle has been released.
	ErrReleased = errors.New("camera released")
	// ErrNoProcessor is returned when starting without a registered processor.
	ErrNoProcessor = errors.New("no frame processor registered")
	// ErrStartAborted is returned when Stop or Release lands while the device is opening.
	ErrStartAborted = errors.New("camera start aborted")
)

// StartError reports why the camera could not be acquired or configured.
type StartError struct {
	Device string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCameraStart, e.Device, e.Err)
}

func (e *StartError) Unwrap() []error {
	return []error{ErrCameraStart, e.Err}
}

// FlashMode mirrors the hardware torch setting.
type FlashMode int

const (
	FlashOff FlashMode = iota
	FlashTorch
)

func (m FlashMode) String() string {
	if m == FlashTorch {
		return "torch"
	}
	return "off"
}

// ParseFlashMode accepts "off", "torch" or "on".
func ParseFlashMode(s string) (FlashMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return FlashOff, nil
	case "torch", "on":
		return FlashTorch, nil
	}
	return FlashOff, fmt.Errorf("unknown flash mode %q", s)
}

// Stream delivers frames from an opened device until closed.
type Stream interface {
	Next() (types.Frame, error)
	Close() error
}

// Device is the camera hardware contract. Errors are opaque to the frame source.
type Device interface {
	// Name identifies the device in errors and logs.
	Name() string
	// Open acquires and configures the hardware and starts frame output.
	Open(ctx context.Context) (Stream, error)
	SetFlashMode(mode FlashMode) error
	// Close releases the hardware handle. It must be safe to call repeatedly.
	Close() error
}

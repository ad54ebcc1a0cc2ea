package detector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/utils" // Using the SafeCommand wrapper
)

// PythonConfig describes how to launch an external detector script.
type PythonConfig struct {
	Interpreter string
	Script      string
	ReadTimeout time.Duration
}

// PythonWorker is a detector process speaking a length-prefixed protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts the script. Results come back on FD 3 so that the
// script's own prints on stdout cannot corrupt the stream.
func NewPythonWorker(ctx context.Context, id int, cfg PythonConfig) (*PythonWorker, error) {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	py := utils.NewSafeCommand(ctx, interpreter, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one frame and reads one response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame runs one frame through the worker and decodes the JSON reply.
func (w *PythonWorker) ProcessFrame(data []byte) (types.Detection, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return types.Detection{}, err
	}
	return decodeResponse(resp)
}

// workerLogicError is a failure the script reported cleanly. The worker
// itself is still usable afterwards.
type workerLogicError struct{ msg string }

func (e *workerLogicError) Error() string { return e.msg }

func decodeResponse(resp []byte) (types.Detection, error) {
	// Check if it's a Python error object (e.g. {"error": "..."})
	var errorResult types.ErrorResult
	if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
		return types.Detection{}, &workerLogicError{msg: "python worker error: " + errorResult.Error}
	}

	var det types.Detection
	if err := json.Unmarshal(resp, &det); err != nil {
		return types.Detection{}, &workerLogicError{msg: fmt.Sprintf("python worker JSON malformed: %v", err)}
	}
	return det, nil
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// PythonDetector adapts a PythonWorker to Detector. A worker that crashes or
// times out is discarded and relaunched on the next frame.
type PythonDetector struct {
	cfg PythonConfig
	ctx context.Context

	mu      sync.Mutex
	worker  *PythonWorker
	spawned int
	spawn   func(ctx context.Context, id int, cfg PythonConfig) (*PythonWorker, error)
}

// NewPythonDetector launches the first worker eagerly so that a missing script
// fails at startup rather than on the first frame.
func NewPythonDetector(ctx context.Context, cfg PythonConfig) (*PythonDetector, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	d := &PythonDetector{cfg: cfg, ctx: ctx, spawn: NewPythonWorker}
	if _, err := d.ensureWorker(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PythonDetector) ensureWorker() (*PythonWorker, error) {
	if d.worker != nil {
		return d.worker, nil
	}
	w, err := d.spawn(d.ctx, d.spawned, d.cfg)
	if err != nil {
		return nil, err
	}
	d.spawned++
	d.worker = w
	return w, nil
}

func (d *PythonDetector) discard() {
	if d.worker != nil {
		if d.worker.Cmd != nil && d.worker.Cmd.Process != nil {
			d.worker.Cmd.Process.Kill()
		}
		d.worker.Close()
		d.worker = nil
	}
}

func (d *PythonDetector) Detect(ctx context.Context, frame types.Frame, overlay types.Overlay) (types.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, err := d.ensureWorker()
	if err != nil {
		return types.Detection{}, fmt.Errorf("%w: %v", ErrDetection, err)
	}

	type reply struct {
		det types.Detection
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		det, err := w.ProcessFrame(frame.Data)
		ch <- reply{det, err}
	}()

	timer := time.NewTimer(d.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			var werr *workerLogicError
			if !errors.As(r.err, &werr) {
				d.discard()
			}
			return types.Detection{}, fmt.Errorf("%w: %v", ErrDetection, r.err)
		}
		det := r.det
		if det.Symbol != nil && det.Symbol.Bounds != nil {
			scaled := det.Symbol.Bounds.Scale(frame.Width, frame.Height, overlay)
			det.Symbol.Bounds = &scaled
		}
		return det, nil
	case <-timer.C:
		d.discard()
		<-ch
		return types.Detection{}, fmt.Errorf("%w: worker timed out after %s", ErrDetection, d.cfg.ReadTimeout)
	case <-ctx.Done():
		d.discard()
		<-ch
		return types.Detection{}, ctx.Err()
	}
}

func (d *PythonDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discard()
	return nil
}

// Package presenter renders the workflow on a terminal and turns key presses
// into session commands.
package presenter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/scanline/internal/session"
	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/workflow"
)

// ErrQuit is returned by ReadCommands when the user asks to leave.
var ErrQuit = errors.New("quit requested")

// Prompt is the instruction shown for a state.
func Prompt(s workflow.State) string {
	switch s {
	case workflow.NotStarted:
		return "Camera paused. Press r to scan"
	case workflow.Detecting:
		return "Point at the bar/QR code"
	case workflow.Unclear:
		return "Move the camera closer"
	case workflow.Detected:
		return "Code found. Press c to use it or r to retake"
	case workflow.Processing:
		return "Processing"
	case workflow.Processed:
		return "Done. Press r to scan another code"
	default:
		return ""
	}
}

// Terminal writes prompts and results to out.
type Terminal struct {
	out io.Writer

	mu      sync.Mutex
	last    workflow.State
	printed bool
	spinner *progressbar.ProgressBar
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: &syncWriter{w: out}}
}

// syncWriter serializes writes from the spinner goroutine and the loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Attach subscribes the terminal to everything the session publishes.
func (t *Terminal) Attach(s *session.Session) {
	s.Coordinator().SubscribeState(t.ShowState)
	s.Coordinator().SubscribeSymbols(t.ShowSymbol)
	s.SubscribeResolutions(t.ShowResolution)
	s.SubscribeErrors(t.ShowError)
}

// ShowState prints the prompt for st and runs the spinner while Processing.
func (t *Terminal) ShowState(st workflow.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.printed && st == t.last {
		return
	}
	t.last, t.printed = st, true

	if st == workflow.Processing {
		t.startSpinnerLocked()
		return
	}
	t.stopSpinnerLocked()
	fmt.Fprintf(t.out, "👉 %s\n", Prompt(st))
}

func (t *Terminal) ShowSymbol(sym types.Symbol) {
	t.mu.Lock()
	defer t.mu.Unlock()

	format := sym.Format
	if format == "" {
		format = "code"
	}
	if sym.Bounds != nil {
		b := sym.Bounds
		fmt.Fprintf(t.out, "🔎 %s %q at (%.0f,%.0f)-(%.0f,%.0f)\n", format, sym.Payload, b.Left, b.Top, b.Right, b.Bottom)
		return
	}
	fmt.Fprintf(t.out, "🔎 %s %q\n", format, sym.Payload)
}

func (t *Terminal) ShowResolution(r session.Resolution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopSpinnerLocked()

	if r.Known {
		fmt.Fprintf(t.out, "✅ %s (%s)\n", r.Name, r.Symbol.Payload)
		return
	}
	fmt.Fprintf(t.out, "❔ %s is not in the catalog\n", r.Symbol.Payload)
}

func (t *Terminal) ShowError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "⚠️  %v\n", err)
}

// Close stops a running spinner.
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopSpinnerLocked()
}

func (t *Terminal) startSpinnerLocked() {
	if t.spinner != nil {
		return
	}
	// The bar animates itself on its own ticker once rendered.
	t.spinner = progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(Prompt(workflow.Processing)),
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

func (t *Terminal) stopSpinnerLocked() {
	if t.spinner == nil {
		return
	}
	_ = t.spinner.Finish()
	t.spinner = nil
}

// keyCommands maps single-key shortcuts to commands.
var keyCommands = map[string]session.Command{
	"r": session.Retake,
	"f": session.ToggleFlash,
	"c": session.Confirm,
}

// ReadCommands reads one command per line from r until EOF, "q" or ctx ends.
// Unknown input is reported on out and otherwise ignored.
func ReadCommands(ctx context.Context, r io.Reader, out io.Writer, dispatch func(session.Command) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		if line == "q" || line == "quit" {
			return ErrQuit
		}

		cmd, ok := keyCommands[line]
		if !ok {
			var err error
			if cmd, err = session.ParseCommand(line); err != nil {
				fmt.Fprintf(out, "⌨️  %v (keys: r=retake f=flash c=confirm q=quit)\n", err)
				continue
			}
		}
		if err := dispatch(cmd); err != nil {
			return err
		}
	}
	return scanner.Err()
}

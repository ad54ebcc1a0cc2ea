package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg and worker logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the child wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 SCANLINE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// RequireBinary checks that an external tool is on PATH.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", name, err)
	}
	return nil
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureInput describes where ffmpeg reads frames from.
type CaptureInput struct {
	Format string // ffmpeg demuxer, e.g. v4l2, avfoundation, dshow. Empty lets ffmpeg probe (files, URLs).
	Device string // device node, device name or file path
	Width  int
	Height int
	FPS    int
}

// NewFFmpegCaptureCmd creates a decoder pipe reading from a camera.
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCaptureCmd(ctx context.Context, in CaptureInput) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	if in.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(in.FPS))
	}
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-i", in.Device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

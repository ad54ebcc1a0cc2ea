package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegConfig configures an ffmpeg-backed capture device.
type FFmpegConfig struct {
	Input utils.CaptureInput
	// WarmupTimeout bounds how long Open waits for the first frame.
	WarmupTimeout time.Duration
	// TorchControl is the v4l2 control name that drives the torch LED.
	// Empty means the device has no controllable flash.
	TorchControl string
}

// FFmpegDevice captures MJPEG frames through an ffmpeg child process.
type FFmpegDevice struct {
	cfg FFmpegConfig

	mu     sync.Mutex
	stream *ffmpegStream
}

func NewFFmpegDevice(cfg FFmpegConfig) *FFmpegDevice {
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 10 * time.Second
	}
	return &FFmpegDevice{cfg: cfg}
}

func (d *FFmpegDevice) Name() string { return d.cfg.Input.Device }

// Open spawns ffmpeg and waits for the first frame. A device that is busy or
// missing makes ffmpeg exit before producing one, which surfaces here.
func (d *FFmpegDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		d.stream.Close()
		d.stream = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(runCtx, d.cfg.Input)

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	s := &ffmpegStream{cmd: cmd, out: out, scanner: scanner, cancel: cancel}

	first := make(chan error, 1)
	go func() {
		f, err := s.read()
		if err == nil {
			s.pending = &f
		}
		first <- err
	}()

	select {
	case err := <-first:
		if err != nil {
			s.Close()
			if logs := strings.TrimSpace(cmd.Logs()); logs != "" {
				return nil, fmt.Errorf("no frames from %s: %w (ffmpeg: %s)", d.cfg.Input.Device, err, logs)
			}
			return nil, fmt.Errorf("no frames from %s: %w", d.cfg.Input.Device, err)
		}
	case <-time.After(d.cfg.WarmupTimeout):
		s.Close()
		<-first
		return nil, fmt.Errorf("no frames from %s within %s", d.cfg.Input.Device, d.cfg.WarmupTimeout)
	case <-ctx.Done():
		s.Close()
		<-first
		return nil, ctx.Err()
	}

	d.stream = s
	return s, nil
}

// SetFlashMode drives the torch through v4l2-ctl when a control is configured.
func (d *FFmpegDevice) SetFlashMode(mode FlashMode) error {
	if d.cfg.TorchControl == "" || d.cfg.Input.Format != "v4l2" {
		return ErrFlashUnsupported
	}
	value := 0
	if mode == FlashTorch {
		value = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := utils.NewSafeCommand(ctx, "v4l2-ctl", "-d", d.cfg.Input.Device,
		fmt.Sprintf("--set-ctrl=%s=%d", d.cfg.TorchControl, value))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("v4l2-ctl %s: %w (%s)", d.cfg.TorchControl, err, strings.TrimSpace(cmd.Logs()))
	}
	return nil
}

// Close kills any running capture.
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream = nil
	return err
}

type ffmpegStream struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	pending *types.Frame

	once sync.Once
}

func (s *ffmpegStream) Next() (types.Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	return s.read()
}

func (s *ffmpegStream) read() (types.Frame, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		return types.Frame{}, io.EOF
	}

	// The scanner reuses its buffer, the frame must own its bytes.
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())

	f := types.Frame{Data: data, CapturedAt: time.Now()}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f, nil
}

func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.out.Close()
		// A killed ffmpeg always reports a non-zero exit status.
		_ = s.cmd.Wait()
	})
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/scanline/internal/api"
	"github.com/andresmejia3/scanline/internal/camera"
	"github.com/andresmejia3/scanline/internal/detector"
	"github.com/andresmejia3/scanline/internal/metrics"
	"github.com/andresmejia3/scanline/internal/presenter"
	"github.com/andresmejia3/scanline/internal/session"
	"github.com/andresmejia3/scanline/internal/store"
	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/utils"
	"github.com/andresmejia3/scanline/internal/workflow"
)

// ScanOptions holds the configuration for the scan command
type ScanOptions struct {
	Device        string
	Format        string
	Width         int
	Height        int
	CaptureFPS    int
	TorchControl  string
	Detector      string
	Script        string
	Interpreter   string
	TryHarder     bool
	MaxFPS        float64
	OverlayWidth  int
	OverlayHeight int
	DetectTimeout time.Duration
	WorkerTimeout time.Duration
	StartTimeout  time.Duration
	WarmupTimeout time.Duration
	Listen        string
	Catalog       bool
	Permission    bool
	Interactive   bool
	OTLPEndpoint  string
	MetricsEvery  time.Duration
}

var scanCmd = &cobra.Command{
	Use:         "scan",
	Short:       "Scan bar/QR codes from a live camera",
	Annotations: map[string]string{dbAnnotation: "flag:catalog"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOptionsFromConfig())
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringP("device", "i", "/dev/video0", "Camera device or ffmpeg input")
	f.StringP("format", "f", "v4l2", "ffmpeg input format (v4l2, avfoundation, dshow, or empty for a file/URL)")
	f.Int("width", 0, "Capture width (0 keeps the device default)")
	f.Int("height", 0, "Capture height (0 keeps the device default)")
	f.Int("capture-fps", 0, "Capture frame rate requested from the device (0 keeps the default)")
	f.String("torch-control", "", "v4l2 control that switches the torch, e.g. 'torch' or 'led1_mode'")
	f.StringP("detector", "d", "zxing", "Detector backend: zxing or python")
	f.String("script", "python/detector.py", "Detector script used by the python backend")
	f.String("interpreter", "python3", "Interpreter used by the python backend")
	f.Bool("try-harder", true, "Spend more time per frame looking for a code (zxing)")
	f.Float64("max-fps", 10, "Maximum frames per second handed to the detector (0 = unlimited)")
	f.Int("overlay-width", 0, "Width of the presenter's coordinate space (0 = frame coordinates)")
	f.Int("overlay-height", 0, "Height of the presenter's coordinate space (0 = frame coordinates)")
	f.Duration("detect-timeout", 5*time.Second, "Upper bound for a single detection")
	f.Duration("worker-timeout", 30*time.Second, "Timeout for a python detector reply")
	f.Duration("start-timeout", 5*time.Second, "How long a busy camera is retried before giving up")
	f.Duration("warmup-timeout", 10*time.Second, "How long to wait for the first frame after opening the camera")
	f.StringP("listen", "l", "", "Serve the HTTP presenter on this address, e.g. :8080")
	f.Bool("catalog", false, "Look confirmed codes up in the catalog database")
	f.Bool("camera-permission", true, "Whether the camera may be used at startup")
	f.Bool("interactive", true, "Read commands (r/f/c/q) from stdin")
	f.String("otlp-endpoint", "", "Export metrics over OTLP/gRPC to this endpoint")
	f.Duration("metrics-interval", 15*time.Second, "Metrics export interval")

	rootCmd.AddCommand(scanCmd)
}

func scanOptionsFromConfig() ScanOptions {
	return ScanOptions{
		Device:        viper.GetString("device"),
		Format:        viper.GetString("format"),
		Width:         viper.GetInt("width"),
		Height:        viper.GetInt("height"),
		CaptureFPS:    viper.GetInt("capture-fps"),
		TorchControl:  viper.GetString("torch-control"),
		Detector:      viper.GetString("detector"),
		Script:        viper.GetString("script"),
		Interpreter:   viper.GetString("interpreter"),
		TryHarder:     viper.GetBool("try-harder"),
		MaxFPS:        viper.GetFloat64("max-fps"),
		OverlayWidth:  viper.GetInt("overlay-width"),
		OverlayHeight: viper.GetInt("overlay-height"),
		DetectTimeout: viper.GetDuration("detect-timeout"),
		WorkerTimeout: viper.GetDuration("worker-timeout"),
		StartTimeout:  viper.GetDuration("start-timeout"),
		WarmupTimeout: viper.GetDuration("warmup-timeout"),
		Listen:        viper.GetString("listen"),
		Catalog:       viper.GetBool("catalog"),
		Permission:    viper.GetBool("camera-permission"),
		Interactive:   viper.GetBool("interactive"),
		OTLPEndpoint:  viper.GetString("otlp-endpoint"),
		MetricsEvery:  viper.GetDuration("metrics-interval"),
	}
}

// runScan wires camera, detector, workflow and presenters, and runs until
// the user quits or the process is interrupted.
func runScan(ctx context.Context, opts ScanOptions) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid scan options", err, nil)
		return err
	}
	if err := utils.RequireBinary("ffmpeg"); err != nil {
		utils.ShowError("ffmpeg is required for camera capture", err, nil)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Metrics
	mp, err := metrics.NewMeterProvider(ctx, "scanline", opts.OTLPEndpoint, opts.MetricsEvery)
	if err != nil {
		utils.ShowError("Failed to set up metrics", err, nil)
		return err
	}
	defer mp.Shutdown(context.Background())
	rec, err := metrics.New(mp)
	if err != nil {
		utils.ShowError("Failed to register metrics", err, nil)
		return err
	}

	// 2. Detector backend
	fmt.Fprintf(os.Stderr, "🚀 Starting %s detector...\n", opts.Detector)
	det, err := newDetector(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer det.Close()

	// 3. Camera, workflow loop and session
	loop := workflow.NewLoop()
	var sess *session.Session

	device := camera.NewFFmpegDevice(camera.FFmpegConfig{
		Input: utils.CaptureInput{
			Format: opts.Format,
			Device: opts.Device,
			Width:  opts.Width,
			Height: opts.Height,
			FPS:    opts.CaptureFPS,
		},
		WarmupTimeout: opts.WarmupTimeout,
		TorchControl:  opts.TorchControl,
	})
	src := camera.NewFrameSource(device, camera.Config{
		MaxFPS:        opts.MaxFPS,
		OnInterrupted: func(err error) { sess.CameraInterrupted(err) },
		Logger:        logger,
		Metrics:       rec,
	})

	dispatcher := detector.NewDispatcher(detector.DispatcherConfig{
		Detector: det,
		Loop:     loop,
		OnResult: func(d types.Detection) { sess.Coordinator().OnDetectionResult(d) },
		Overlay:  types.Overlay{Width: opts.OverlayWidth, Height: opts.OverlayHeight},
		Timeout:  opts.DetectTimeout,
		Logger:   logger,
		Metrics:  rec,
	})

	var resolver session.Resolver
	if DB != nil {
		resolver = catalogResolver(DB)
	}

	sess = session.New(ctx, loop, session.Config{
		Camera:       src,
		Processor:    dispatcher,
		Resolver:     resolver,
		StartTimeout: opts.StartTimeout,
		Logger:       logger,
		Metrics:      rec,
	})
	defer sess.Close()

	term := presenter.NewTerminal(os.Stderr)
	defer term.Close()
	term.Attach(sess)

	var scanned atomic.Int64
	sess.SubscribeResolutions(func(session.Resolution) { scanned.Add(1) })

	// 4. Run everything until quit or Ctrl+C
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if opts.Listen != "" {
		g.Go(func() error {
			return api.Serve(gctx, opts.Listen, api.NewRouter(sess, logger), logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sess.Close()
		return nil
	})

	if opts.Interactive {
		// Not part of the group: a blocked stdin read cannot be interrupted.
		go func() {
			err := presenter.ReadCommands(gctx, os.Stdin, os.Stderr, sess.Dispatch)
			if err != nil && !errors.Is(err, presenter.ErrQuit) && !errors.Is(err, workflow.ErrLoopClosed) {
				logger.Warn("command input stopped", "error", err)
				return
			}
			if errors.Is(err, presenter.ErrQuit) {
				cancel()
			}
		}()
	}

	if err := sess.OnForeground(opts.Permission); err != nil {
		return err
	}

	err = g.Wait()
	term.Close()

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 Codes processed: %d\n", scanned.Load())
	fmt.Fprintf(os.Stderr, "🎞️  Frames refused while busy: %d\n", dispatcher.Dropped())
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return err
}

func newDetector(ctx context.Context, opts ScanOptions) (detector.Detector, error) {
	switch opts.Detector {
	case "zxing":
		return detector.NewZXingDetector(opts.TryHarder), nil
	case "python":
		return detector.NewPythonDetector(ctx, detector.PythonConfig{
			Interpreter: opts.Interpreter,
			Script:      opts.Script,
			ReadTimeout: opts.WorkerTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown detector %q", opts.Detector)
	}
}

// catalogResolver looks confirmed symbols up in the catalog.
func catalogResolver(db *store.Store) session.Resolver {
	return session.ResolverFunc(func(ctx context.Context, sym types.Symbol) (session.Resolution, error) {
		item, found, err := db.Lookup(ctx, sym.Payload)
		if err != nil {
			return session.Resolution{Symbol: sym}, fmt.Errorf("catalog lookup failed: %w", err)
		}
		if !found {
			return session.Resolution{Symbol: sym}, nil
		}
		return session.Resolution{Symbol: sym, Name: item.Name, Known: true}, nil
	})
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *ScanOptions) error {
	opts.Detector = strings.ToLower(strings.TrimSpace(opts.Detector))
	if opts.Device == "" {
		return errors.New("--device must not be empty")
	}
	switch opts.Detector {
	case "zxing":
	case "python":
		info, err := os.Stat(opts.Script)
		if err != nil {
			return fmt.Errorf("detector script: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("detector script %s is a directory", opts.Script)
		}
	default:
		return fmt.Errorf("--detector must be zxing or python, got %q", opts.Detector)
	}
	if opts.MaxFPS < 0 {
		return fmt.Errorf("--max-fps must be >= 0, got %v", opts.MaxFPS)
	}
	if opts.Width < 0 || opts.Height < 0 || opts.CaptureFPS < 0 {
		return errors.New("--width, --height and --capture-fps must be >= 0")
	}
	if (opts.OverlayWidth == 0) != (opts.OverlayHeight == 0) || opts.OverlayWidth < 0 || opts.OverlayHeight < 0 {
		return errors.New("--overlay-width and --overlay-height must both be set or both be 0")
	}
	if opts.DetectTimeout < 0 || opts.StartTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if opts.WarmupTimeout <= 0 {
		opts.WarmupTimeout = 10 * time.Second
	}
	if opts.MetricsEvery <= 0 {
		opts.MetricsEvery = 15 * time.Second
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/scanline/internal/store"
	"github.com/andresmejia3/scanline/internal/types"
)

func validOptions() ScanOptions {
	return ScanOptions{
		Device:   "/dev/video0",
		Format:   "v4l2",
		Detector: "zxing",
		MaxFPS:   10,
	}
}

func TestValidateScanFlags(t *testing.T) {
	// Create a temp file for a valid detector script
	tmpFile, err := os.CreateTemp("", "detector.py")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	// Create a temp dir for invalid input
	tmpDir, err := os.MkdirTemp("", "testdir")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	with := func(mod func(*ScanOptions)) ScanOptions {
		o := validOptions()
		mod(&o)
		return o
	}

	tests := []struct {
		name    string
		opts    ScanOptions
		wantErr bool
	}{
		{"Valid options", validOptions(), false},
		{"Detector name is case-insensitive", with(func(o *ScanOptions) { o.Detector = " ZXing " }), false},
		{"Python with script", with(func(o *ScanOptions) { o.Detector = "python"; o.Script = tmpFile.Name() }), false},
		{"Python script missing", with(func(o *ScanOptions) { o.Detector = "python"; o.Script = "nonexistent.py" }), true},
		{"Python script is directory", with(func(o *ScanOptions) { o.Detector = "python"; o.Script = tmpDir }), true},
		{"Unknown detector", with(func(o *ScanOptions) { o.Detector = "tesseract" }), true},
		{"Empty device", with(func(o *ScanOptions) { o.Device = "" }), true},
		{"Negative max-fps", with(func(o *ScanOptions) { o.MaxFPS = -1 }), true},
		{"Half an overlay", with(func(o *ScanOptions) { o.OverlayWidth = 640 }), true},
		{"Full overlay", with(func(o *ScanOptions) { o.OverlayWidth, o.OverlayHeight = 640, 480 }), false},
		{"Negative timeout", with(func(o *ScanOptions) { o.StartTimeout = -time.Second }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateScanFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateScanFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScanFlagsDefaults(t *testing.T) {
	opts := validOptions()
	if err := validateScanFlags(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.WarmupTimeout != 10*time.Second {
		t.Errorf("WarmupTimeout = %v, want 10s", opts.WarmupTimeout)
	}
	if opts.MetricsEvery != 15*time.Second {
		t.Errorf("MetricsEvery = %v, want 15s", opts.MetricsEvery)
	}
}

func TestNewDetector(t *testing.T) {
	det, err := newDetector(context.Background(), ScanOptions{Detector: "zxing"})
	if err != nil {
		t.Fatalf("zxing detector: %v", err)
	}
	det.Close()

	if _, err := newDetector(context.Background(), ScanOptions{Detector: "nope"}); err == nil {
		t.Error("expected an error for an unknown detector")
	}
}

// TestCatalogResolver checks the lookup that completes a confirmed scan.
func TestCatalogResolver(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scanline_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)

	if err := db.Upsert(ctx, "4006381333931", "Pencil", "EAN_13"); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}

	resolve := catalogResolver(db)

	res, err := resolve.Resolve(ctx, types.Symbol{Payload: "4006381333931"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Known || res.Name != "Pencil" {
		t.Errorf("Expected known Pencil, got %+v", res)
	}

	res, err = resolve.Resolve(ctx, types.Symbol{Payload: "unknown"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Known || res.Symbol.Payload != "unknown" {
		t.Errorf("Expected unknown code to resolve as not known, got %+v", res)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}

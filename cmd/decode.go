package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresmejia3/scanline/internal/types"
	"github.com/andresmejia3/scanline/internal/utils"
)

var decodeCmd = &cobra.Command{
	Use:         "decode <image_path>",
	Short:       "Decode a bar/QR code from a still image",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: "flag:lookup"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDecode(cmd.Context(), args[0], viper.GetString("detector"), viper.GetBool("json"))
	},
}

func init() {
	decodeCmd.Flags().StringP("detector", "d", "zxing", "Detector backend: zxing or python")
	decodeCmd.Flags().String("script", "python/detector.py", "Detector script used by the python backend")
	decodeCmd.Flags().String("interpreter", "python3", "Interpreter used by the python backend")
	decodeCmd.Flags().Duration("worker-timeout", 30*time.Second, "Timeout for a python detector reply")
	decodeCmd.Flags().Bool("try-harder", true, "Spend more time looking for a code (zxing)")
	decodeCmd.Flags().Bool("lookup", false, "Look the decoded code up in the catalog")
	decodeCmd.Flags().Bool("json", false, "Print the detection as JSON on stdout")
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(ctx context.Context, imagePath, backend string, asJSON bool) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imgData))
	if err != nil {
		utils.ShowError("Input is not a supported image", err, nil)
		return err
	}

	opts := ScanOptions{
		Detector:      backend,
		Script:        viper.GetString("script"),
		Interpreter:   viper.GetString("interpreter"),
		TryHarder:     viper.GetBool("try-harder"),
		WorkerTimeout: viper.GetDuration("worker-timeout"),
	}
	fmt.Fprintf(os.Stderr, "🚀 Starting %s detector...\n", backend)
	backendDet, err := newDetector(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer backendDet.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	frame := types.Frame{Data: imgData, Width: cfg.Width, Height: cfg.Height}
	det, err := backendDet.Detect(ctx, frame, types.Overlay{})
	if err != nil {
		utils.ShowError("Detection failed", err, nil)
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(det)
	}

	switch {
	case det.Symbol.Valid():
		fmt.Printf("✅ %s: %s\n", det.Symbol.Format, det.Symbol.Payload)
	case det.Cue:
		fmt.Println("⚠️  A code is visible but could not be read. Try a sharper or closer image.")
		return nil
	default:
		fmt.Println("❌ No code detected in the provided image.")
		return nil
	}

	if DB == nil {
		return nil
	}
	fmt.Fprintln(os.Stderr, "🗄️  Searching catalog...")
	res, err := catalogResolver(DB).Resolve(ctx, *det.Symbol)
	if err != nil {
		utils.ShowError("Catalog search failed", err, nil)
		return err
	}
	if !res.Known {
		fmt.Println("❔ Not in the catalog.")
		return nil
	}
	fmt.Printf("📦 %s\n", res.Name)
	return nil
}

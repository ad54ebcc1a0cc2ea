package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/andresmejia3/scanline/internal/types"
)

// ZXingDetector decodes QR codes in-process with gozxing.
// It is not safe for concurrent use, which the frame source never requires.
type ZXingDetector struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

func NewZXingDetector(tryHarder bool) *ZXingDetector {
	hints := map[gozxing.DecodeHintType]interface{}{}
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	return &ZXingDetector{reader: qrcode.NewQRCodeReader(), hints: hints}
}

// Detect decodes frame.Data. A located but undecodable symbol is reported as
// a cue rather than an error.
func (d *ZXingDetector) Detect(ctx context.Context, frame types.Frame, overlay types.Overlay) (types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return types.Detection{}, err
	}

	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return types.Detection{}, fmt.Errorf("%w: decode frame %d: %v", ErrDetection, frame.Index, err)
	}
	return d.DetectImage(img, overlay)
}

// DetectImage runs the reader on an already decoded image.
func (d *ZXingDetector) DetectImage(img image.Image, overlay types.Overlay) (types.Detection, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return types.Detection{}, fmt.Errorf("%w: binarize: %v", ErrDetection, err)
	}

	res, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		var notFound gozxing.NotFoundException
		if errors.As(err, &notFound) {
			return types.Detection{}, nil
		}
		var checksum gozxing.ChecksumException
		var format gozxing.FormatException
		if errors.As(err, &checksum) || errors.As(err, &format) {
			return types.Detection{Cue: true}, nil
		}
		return types.Detection{}, fmt.Errorf("%w: %v", ErrDetection, err)
	}

	sym := &types.Symbol{
		Payload: res.GetText(),
		Format:  res.GetBarcodeFormat().String(),
	}

	points := res.GetResultPoints()
	xs := make([]float64, 0, len(points))
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		xs = append(xs, p.GetX())
		ys = append(ys, p.GetY())
	}
	if b := boundsOf(xs, ys); b != nil {
		size := img.Bounds().Size()
		scaled := b.Scale(size.X, size.Y, overlay)
		sym.Bounds = &scaled
	}

	return types.Detection{Symbol: sym}, nil
}

func (d *ZXingDetector) Close() error { return nil }

// Package imaging prepares homework photos for the upstream model and crops
// graded character cells out of the original image.
package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

const jpegQuality = 85

// Preprocess shrinks and flattens an uploaded photo before it goes upstream:
// rescale so the longest side is at most maxSize (bilinear), composite onto
// opaque white, re-encode as JPEG. Anything that fails to decode passes
// through untouched; the upstream model gets to reject it instead of us.
func Preprocess(imageBytes []byte, maxSize int) []byte {
	src, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		slog.Warn("image decode failed, sending original bytes", "error", err)
		return imageBytes
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	targetW, targetH := w, h
	if longest := max(w, h); longest > maxSize {
		scale := float64(maxSize) / float64(longest)
		targetW = int(float64(w) * scale)
		targetH = int(float64(h) * scale)
		if targetW < 1 {
			targetW = 1
		}
		if targetH < 1 {
			targetH = 1
		}
	}

	flat := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.BiLinear.Scale(flat, flat.Bounds(), src, bounds, xdraw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, flat, &jpeg.Options{Quality: jpegQuality}); err != nil {
		slog.Warn("jpeg encode failed, sending original bytes", "error", err)
		return imageBytes
	}

	slog.Debug("image preprocessed",
		"format", format,
		"from", image.Pt(w, h),
		"to", image.Pt(targetW, targetH),
		"bytes", out.Len())
	return out.Bytes()
}

// ToBase64 encodes image bytes for a data URL or API payload.
func ToBase64(imageBytes []byte) string {
	return base64.StdEncoding.EncodeToString(imageBytes)
}

package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"log/slog"

	"github.com/tiancizhou/teacher/internal/core"
)

// Grid cropping is deterministic: with a known copybook template the cell
// of every graded character follows from pure arithmetic, no character
// segmentation involved.

const insetRatio = 0.05

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// AttachCharacterImages crops the cell of every analysis with a valid grid
// position out of the original (un-recompressed) image and attaches it as
// base64 PNG. Decode failures and out-of-range positions are non-fatal.
func AttachCharacterImages(result *core.BatchResult, imageBytes []byte, tpl *core.CopybookTemplate) {
	if result == nil || len(result.Analyses) == 0 || tpl == nil {
		return
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		slog.Warn("grid crop: image decode failed", "error", err)
		return
	}

	bounds := img.Bounds()
	matched := 0
	for _, a := range result.Analyses {
		rect, ok := cellRect(bounds.Dx(), bounds.Dy(), tpl, a.Row, a.Column)
		if !ok {
			slog.Debug("grid crop: position out of range",
				"char", a.RecognizedChar, "row", a.Row, "col", a.Column)
			continue
		}

		rect = rect.Add(bounds.Min)
		var cell image.Image
		if si, ok := img.(subImager); ok {
			cell = si.SubImage(rect)
		} else {
			continue
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, cell); err != nil {
			slog.Warn("grid crop: png encode failed", "char", a.RecognizedChar, "error", err)
			continue
		}
		a.CharImageBase64 = base64.StdEncoding.EncodeToString(buf.Bytes())
		matched++
	}

	slog.Info("grid crop complete",
		"matched", matched,
		"analyses", len(result.Analyses),
		"grid", image.Pt(tpl.GridCols, tpl.GridRows))
}

// cellRect computes the inset crop rectangle for a 1-based grid position.
// Reports false when the position is out of range or the inset collapses
// the cell.
func cellRect(imgW, imgH int, tpl *core.CopybookTemplate, row, col int) (image.Rectangle, bool) {
	if tpl.GridRows < 1 || tpl.GridCols < 1 {
		return image.Rectangle{}, false
	}
	if row < 1 || col < 1 || row > tpl.GridRows || col > tpl.GridCols {
		return image.Rectangle{}, false
	}

	headerPixels := int(float64(imgH) * tpl.HeaderRatio)
	gridHeight := imgH - headerPixels
	cellW := imgW / tpl.GridCols
	cellH := gridHeight / tpl.GridRows
	if cellW < 1 || cellH < 1 {
		return image.Rectangle{}, false
	}

	x := (col - 1) * cellW
	y := headerPixels + (row-1)*cellH

	inset := int(float64(min(cellW, cellH)) * insetRatio)
	cropX := max(0, x+inset)
	cropY := max(0, y+inset)
	cropW := min(cellW-2*inset, imgW-cropX)
	cropH := min(cellH-2*inset, imgH-cropY)
	if cropW <= 0 || cropH <= 0 {
		return image.Rectangle{}, false
	}

	return image.Rect(cropX, cropY, cropX+cropW, cropY+cropH), true
}

package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancizhou/teacher/internal/core"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreprocessRescalesLargeImage(t *testing.T) {
	out := Preprocess(pngBytes(t, 1024, 768), 512)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 384, img.Bounds().Dy())
}

func TestPreprocessKeepsSmallImageDimensions(t *testing.T) {
	out := Preprocess(pngBytes(t, 300, 200), 512)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestPreprocessPassesThroughUndecodableBytes(t *testing.T) {
	garbage := []byte("not an image at all")
	out := Preprocess(garbage, 512)
	assert.Equal(t, garbage, out)
}

func TestCellRectMatchesGridArithmetic(t *testing.T) {
	tpl := &core.CopybookTemplate{GridRows: 4, GridCols: 5, HeaderRatio: 0.05}

	rect, ok := cellRect(1000, 800, tpl, 2, 3)

	require.True(t, ok)
	assert.Equal(t, image.Rect(409, 239, 409+182, 239+172), rect)
}

func TestCellRectSingleCellNoHeader(t *testing.T) {
	tpl := &core.CopybookTemplate{GridRows: 1, GridCols: 1, HeaderRatio: 0}

	rect, ok := cellRect(1000, 800, tpl, 1, 1)

	require.True(t, ok)
	// Inset is 5% of min(1000,800)=800 → 40 on each side.
	assert.Equal(t, image.Rect(40, 40, 960, 760), rect)
}

func TestCellRectRejectsOutOfRangePositions(t *testing.T) {
	tpl := &core.CopybookTemplate{GridRows: 4, GridCols: 5, HeaderRatio: 0.05}

	for _, pos := range [][2]int{{0, 1}, {1, 0}, {5, 1}, {1, 6}, {-1, 3}} {
		_, ok := cellRect(1000, 800, tpl, pos[0], pos[1])
		assert.False(t, ok, "row=%d col=%d", pos[0], pos[1])
	}
}

func TestAttachCharacterImagesCropsValidCells(t *testing.T) {
	tpl := &core.CopybookTemplate{GridRows: 4, GridCols: 5, HeaderRatio: 0.05}
	result := &core.BatchResult{
		Analyses: []*core.CharAnalysis{
			{RecognizedChar: "疑", Row: 2, Column: 3},
			{RecognizedChar: "飞", Row: 9, Column: 9},
		},
	}

	AttachCharacterImages(result, pngBytes(t, 1000, 800), tpl)

	require.NotEmpty(t, result.Analyses[0].CharImageBase64)
	raw, err := base64.StdEncoding.DecodeString(result.Analyses[0].CharImageBase64)
	require.NoError(t, err)
	crop, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 182, crop.Bounds().Dx())
	assert.Equal(t, 172, crop.Bounds().Dy())

	assert.Empty(t, result.Analyses[1].CharImageBase64, "out-of-range position must be skipped")
}

func TestAttachCharacterImagesSurvivesBadImage(t *testing.T) {
	tpl := &core.CopybookTemplate{GridRows: 4, GridCols: 5, HeaderRatio: 0.05}
	result := &core.BatchResult{
		Analyses: []*core.CharAnalysis{{RecognizedChar: "永", Row: 1, Column: 1}},
	}

	AttachCharacterImages(result, []byte("broken"), tpl)
	assert.Empty(t, result.Analyses[0].CharImageBase64)
}

package alert

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/vision"
)

func grey(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestFrameWriter_SavesAnnotatedFrame(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "faults")
	roi := vision.ROI{Rect: image.Rect(10, 10, 30, 50)}
	w, err := NewFrameWriter(dir, roi, "0123456789abcdef")
	require.NoError(t, err)

	fault := &control.FaultInfo{Kind: control.ActuatorFault, Tick: 7, At: t0, PumpID: "drain"}
	raw := vision.RawMeasurement{Valid: true, BoundaryRow: 30, LevelMM: 20, Timestamp: t0}
	w.Capture(vision.Frame{Image: grey(40, 60), Timestamp: t0, Index: 7}, raw, snap(7, 20, filter.High, fault))
	// Scripted sources carry no image; nothing is written for them.
	w.Capture(vision.Frame{Timestamp: t0}, raw, snap(8, 20, filter.High, fault))
	w.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "01234567-tick000007-ActuatorFault.png", entries[0].Name())

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 60), img.Bounds())

	r, g, b, _ := img.At(20, 30).RGBA()
	assert.NotEqual(t, color.RGBA{128, 128, 128, 255}, color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255}, "boundary drawn")
	r, g, b, _ = img.At(5, 55).RGBA()
	assert.InDelta(t, 128, float64(r>>8), 2)
	assert.InDelta(t, 128, float64(g>>8), 2)
	assert.InDelta(t, 128, float64(b>>8), 2)
}

func TestNewFrameWriter_BadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := NewFrameWriter(filepath.Join(file, "faults"), vision.ROI{}, "")
	assert.Error(t, err)
}

package report

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/db"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func point(i int, level, raw float64, valid bool, conf string) db.LevelPoint {
	return db.LevelPoint{
		Tick:       uint64(i),
		Timestamp:  t0.Add(time.Duration(i) * time.Second),
		RawValid:   valid,
		RawLevelMM: raw,
		Quality:    0.8,
		LevelMM:    level,
		Confidence: conf,
		State:      "HOLDING",
		BandMinMM:  40,
		BandMaxMM:  60,
	}
}

func TestSummarize(t *testing.T) {
	points := []db.LevelPoint{
		point(0, 0, 0, false, "STALE"),
		point(1, 35, 36, true, "LOW"),
		point(2, 45, 44, true, "HIGH"),
		point(3, 55, 0, false, "HIGH"),
		point(4, 65, 66, true, "HIGH"),
	}
	got, err := Summarize(points)
	require.NoError(t, err)

	want := Summary{
		Ticks:            5,
		Duration:         4 * time.Second,
		RawValidFraction: 0.6,
		MeanQuality:      0.8,
		Trusted:          4,
		MeanLevelMM:      50,
		StdLevelMM:       12.909944,
		MinLevelMM:       35,
		MaxLevelMM:       65,
		InBandFraction:   0.5,
		RawResidualMM:    1,
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize_SingleTrustedPoint(t *testing.T) {
	got, err := Summarize([]db.LevelPoint{point(0, 50, 50, true, "LOW")})
	require.NoError(t, err)
	assert.Zero(t, got.StdLevelMM)
	assert.Equal(t, 1.0, got.InBandFraction)
}

func TestSummarize_AllStale(t *testing.T) {
	got, err := Summarize([]db.LevelPoint{point(0, 0, 0, false, "STALE"), point(1, 0, 0, false, "STALE")})
	require.NoError(t, err)
	assert.Zero(t, got.Trusted)
	assert.Zero(t, got.RawValidFraction)
	assert.Zero(t, got.MeanLevelMM)
}

func TestNoData(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = Plot("empty", nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestWritePNG(t *testing.T) {
	var points []db.LevelPoint
	for i := 0; i < 30; i++ {
		level := 35 + float64(i)/2
		points = append(points, point(i, level, level+0.4, i%5 != 0, "HIGH"))
	}
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, "run", points))

	cfg, err := png.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Greater(t, cfg.Width, cfg.Height)
}

// Package report summarises and plots the stored level history of a run.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/vessel.level/internal/db"
)

// ErrNoData is returned when a run has no ticks to report.
var ErrNoData = errors.New("report: no ticks in run")

var (
	levelColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rawColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	bandColor  = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// Summary describes a run's level history.
type Summary struct {
	Ticks    int           `json:"ticks"`
	Duration time.Duration `json:"duration"`

	// RawValidFraction is the share of ticks with a valid raw estimate.
	RawValidFraction float64 `json:"raw_valid_fraction"`
	MeanQuality      float64 `json:"mean_quality"`

	// Level statistics cover trusted (non-STALE) ticks only.
	Trusted        int     `json:"trusted"`
	MeanLevelMM    float64 `json:"mean_level_mm"`
	StdLevelMM     float64 `json:"std_level_mm"`
	MinLevelMM     float64 `json:"min_level_mm"`
	MaxLevelMM     float64 `json:"max_level_mm"`
	InBandFraction float64 `json:"in_band_fraction"`

	// RawResidualMM is the RMS difference between valid raw estimates and
	// the filtered level.
	RawResidualMM float64 `json:"raw_residual_mm"`
}

// Summarize computes the summary of points, which must be in tick order.
func Summarize(points []db.LevelPoint) (Summary, error) {
	if len(points) == 0 {
		return Summary{}, ErrNoData
	}
	s := Summary{
		Ticks:    len(points),
		Duration: points[len(points)-1].Timestamp.Sub(points[0].Timestamp),
	}

	quality := make([]float64, 0, len(points))
	levels := make([]float64, 0, len(points))
	var residuals []float64
	inBand := 0
	for _, p := range points {
		if p.RawValid {
			quality = append(quality, p.Quality)
		}
		if p.Confidence == "STALE" {
			continue
		}
		levels = append(levels, p.LevelMM)
		if p.LevelMM >= p.BandMinMM && p.LevelMM <= p.BandMaxMM {
			inBand++
		}
		if p.RawValid {
			residuals = append(residuals, p.RawLevelMM-p.LevelMM)
		}
	}

	s.RawValidFraction = float64(len(quality)) / float64(len(points))
	if len(quality) > 0 {
		s.MeanQuality = stat.Mean(quality, nil)
	}
	s.Trusted = len(levels)
	if len(levels) > 0 {
		s.MeanLevelMM, s.StdLevelMM = stat.MeanStdDev(levels, nil)
		if len(levels) == 1 {
			s.StdLevelMM = 0
		}
		s.MinLevelMM = floats.Min(levels)
		s.MaxLevelMM = floats.Max(levels)
		s.InBandFraction = float64(inBand) / float64(len(levels))
	}
	if len(residuals) > 0 {
		s.RawResidualMM = math.Sqrt(floats.Dot(residuals, residuals) / float64(len(residuals)))
	}
	return s, nil
}

// Plot builds a plot of the filtered level, the valid raw estimates and the
// band edges against wall-clock time.
func Plot(title string, points []db.LevelPoint) (*plot.Plot, error) {
	if len(points) == 0 {
		return nil, ErrNoData
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Level (mm)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Add(plotter.NewGrid())

	var level, raw, lo, hi plotter.XYs
	for _, pt := range points {
		x := float64(pt.Timestamp.UnixNano()) / 1e9
		if pt.Confidence != "STALE" {
			level = append(level, plotter.XY{X: x, Y: pt.LevelMM})
		}
		if pt.RawValid {
			raw = append(raw, plotter.XY{X: x, Y: pt.RawLevelMM})
		}
		lo = append(lo, plotter.XY{X: x, Y: pt.BandMinMM})
		hi = append(hi, plotter.XY{X: x, Y: pt.BandMaxMM})
	}

	if len(raw) > 0 {
		sc, err := plotter.NewScatter(raw)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = rawColor
		sc.GlyphStyle.Radius = vg.Points(1.5)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(sc)
		p.Legend.Add("raw", sc)
	}

	for _, band := range []struct {
		name string
		xys  plotter.XYs
	}{{"band min", lo}, {"band max", hi}} {
		l, err := plotter.NewLine(band.xys)
		if err != nil {
			return nil, err
		}
		l.Color = bandColor
		l.Width = vg.Points(1)
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		l.StepStyle = plotter.PostStep
		p.Add(l)
		p.Legend.Add(band.name, l)
	}

	if len(level) > 0 {
		l, err := plotter.NewLine(level)
		if err != nil {
			return nil, err
		}
		l.Color = levelColor
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add("level", l)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders the plot of points as a 14x6 inch PNG.
func WritePNG(w io.Writer, title string, points []db.LevelPoint) error {
	p, err := Plot(title, points)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

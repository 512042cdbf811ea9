package vision

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Params tunes boundary detection. They are vessel and lighting dependent
// and come from the run configuration.
type Params struct {
	// LiquidFraction is the liquid/(liquid+air) share above which a row
	// counts as liquid.
	LiquidFraction float64
	// RowCoverage is the share of a row's pixels that must be classified
	// for the row to be usable.
	RowCoverage float64
	// MinClassifiable is the share of ROI rows that must be usable for the
	// frame to be read at all.
	MinClassifiable float64
	// MaxGapRows is how many non-liquid rows (bubbles, glare) the scan
	// bridges inside the liquid column.
	MaxGapRows int
	// MaxJumpMM rejects a level further than this from the prior accepted
	// one. Zero disables the check.
	MaxJumpMM float64
	// ContrastRows is how many rows each side of the boundary feed the
	// quality score.
	ContrastRows int
}

// DefaultParams returns conservative defaults.
func DefaultParams() Params {
	return Params{
		LiquidFraction:  0.5,
		RowCoverage:     0.5,
		MinClassifiable: 0.6,
		MaxGapRows:      3,
		MaxJumpMM:       10,
		ContrastRows:    3,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.LiquidFraction <= 0 || p.LiquidFraction > 1 {
		return fmt.Errorf("liquid_fraction %g outside (0,1]", p.LiquidFraction)
	}
	if p.RowCoverage <= 0 || p.RowCoverage > 1 {
		return fmt.Errorf("row_coverage %g outside (0,1]", p.RowCoverage)
	}
	if p.MinClassifiable < 0 || p.MinClassifiable > 1 {
		return fmt.Errorf("min_classifiable %g outside [0,1]", p.MinClassifiable)
	}
	if p.MaxGapRows < 0 {
		return errors.New("max_gap_rows must not be negative")
	}
	if p.MaxJumpMM < 0 {
		return errors.New("max_jump_mm must not be negative")
	}
	if p.ContrastRows < 1 {
		return errors.New("contrast_rows must be at least 1")
	}
	return nil
}

// Estimator bundles an ROI with its parameters. It holds no state between
// calls.
type Estimator struct {
	ROI    ROI
	Params Params
}

// Estimate runs Estimate with the estimator's ROI and parameters.
func (e Estimator) Estimate(f Frame, prior Prior) RawMeasurement {
	return Estimate(f, e.ROI, e.Params, prior)
}

// Estimate locates the liquid/air boundary in f.
//
// Rows are scanned from the liquid end of the ROI toward the air end. The
// boundary is the last row of the contiguous liquid column, where up to
// MaxGapRows weak rows may be bridged. Foam floating above a clear band of
// air is never reached because the scan stops at the first long gap.
func Estimate(f Frame, roi ROI, p Params, prior Prior) (m RawMeasurement) {
	defer func() {
		if r := recover(); r != nil {
			m = Invalid(f.Timestamp, FaultMalformedFrame)
		}
	}()

	if f.Image == nil {
		return Invalid(f.Timestamp, FaultMalformedFrame)
	}
	bounds := f.Image.Bounds()
	if bounds.Empty() || roi.Rect.Empty() || !roi.Rect.In(bounds) {
		return Invalid(f.Timestamp, FaultMalformedFrame)
	}
	if roi.FrameSize != (image.Point{}) && bounds.Size() != roi.FrameSize {
		return Invalid(f.Timestamp, FaultFramingChanged)
	}

	rows := scanRows(f.Image, &roi)
	if len(rows) == 0 {
		return Invalid(f.Timestamp, FaultMalformedFrame)
	}

	usable := 0
	first := -1
	for i, r := range rows {
		if r.classifiable(p.RowCoverage) {
			usable++
			if first < 0 {
				first = i
			}
		}
	}
	coverage := float64(usable) / float64(len(rows))
	if usable == 0 || coverage < p.MinClassifiable {
		return Invalid(f.Timestamp, FaultROIUnreadable)
	}
	if rows[first].liquidFraction() < p.LiquidFraction {
		return Invalid(f.Timestamp, FaultNoLiquid)
	}

	boundary := first
	gap := 0
	for i := first + 1; i < len(rows); i++ {
		r := rows[i]
		if r.classifiable(p.RowCoverage) && r.liquidFraction() >= p.LiquidFraction {
			boundary = i
			gap = 0
			continue
		}
		gap++
		if gap > p.MaxGapRows {
			break
		}
	}

	heightPx := rowsFromLiquidEnd(roi, rows[boundary].y)
	// A partially liquid row just past the boundary (the meniscus) adds
	// its fraction of a row.
	if next := boundary + 1; next < len(rows) && adjacent(rows[boundary].y, rows[next].y) &&
		rows[next].classifiable(p.RowCoverage) {
		heightPx += rows[next].liquidFraction()
	}

	lo, hi := roi.RangeMM()
	level := math.Min(hi, math.Max(lo, roi.ZeroMM+heightPx*roi.MMPerPixel))

	m = RawMeasurement{
		LevelMM:     level,
		BoundaryRow: rows[boundary].y,
		Valid:       true,
		Quality:     contrast(rows, boundary, p) * coverage,
		Timestamp:   f.Timestamp,
	}
	if prior.Valid && p.MaxJumpMM > 0 && math.Abs(level-prior.LevelMM) > p.MaxJumpMM {
		m.Valid = false
		m.Fault = FaultImplausibleJmp
	}
	return m
}

func adjacent(a, b int) bool { return a-b == 1 || b-a == 1 }

// rowsFromLiquidEnd returns the height, in rows, from the liquid-end edge
// of the ROI up to and including row y.
func rowsFromLiquidEnd(roi ROI, y int) float64 {
	if roi.Orientation == LiquidAtTop {
		return float64(y - roi.Rect.Min.Y + 1)
	}
	return float64(roi.Rect.Max.Y - y)
}

// contrast compares the mean liquid fraction of the usable rows on the
// liquid side of the boundary with those past it. The result is in [0,1];
// a boundary at the very end of the ROI compares against pure air.
func contrast(rows []rowStat, boundary int, p Params) float64 {
	var in, out float64
	var nIn, nOut int
	for i := boundary; i >= 0 && nIn < p.ContrastRows; i-- {
		if rows[i].classifiable(p.RowCoverage) {
			in += rows[i].liquidFraction()
			nIn++
		}
	}
	for i := boundary + 1; i < len(rows) && nOut < p.ContrastRows; i++ {
		if rows[i].classifiable(p.RowCoverage) {
			out += rows[i].liquidFraction()
			nOut++
		}
	}
	if nIn == 0 {
		return 0
	}
	c := in / float64(nIn)
	if nOut > 0 {
		c -= out / float64(nOut)
	}
	return math.Max(0, math.Min(1, c))
}

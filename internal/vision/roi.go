package vision

import (
	"errors"
	"fmt"
	"image"
)

// Orientation says which end of the ROI is known to be liquid.
type Orientation string

const (
	LiquidAtBottom Orientation = "liquid_at_bottom"
	LiquidAtTop    Orientation = "liquid_at_top"
)

// Band is an HSV box. Hue is in degrees [0,360], saturation and value in
// [0,1]. A band with HMin > HMax wraps through 0 (reds).
type Band struct {
	HMin float64 `json:"h_min"`
	HMax float64 `json:"h_max"`
	SMin float64 `json:"s_min"`
	SMax float64 `json:"s_max"`
	VMin float64 `json:"v_min"`
	VMax float64 `json:"v_max"`
}

// IsZero reports whether the band is unset.
func (b Band) IsZero() bool { return b == Band{} }

// Contains reports whether the HSV triple falls inside the band.
func (b Band) Contains(h, s, v float64) bool {
	if s < b.SMin || s > b.SMax || v < b.VMin || v > b.VMax {
		return false
	}
	if b.HMin <= b.HMax {
		return h >= b.HMin && h <= b.HMax
	}
	return h >= b.HMin || h <= b.HMax
}

func (b Band) validate(name string) error {
	if b.HMin < 0 || b.HMin > 360 || b.HMax < 0 || b.HMax > 360 {
		return fmt.Errorf("%s band: hue must be within [0,360]", name)
	}
	if b.SMin < 0 || b.SMax > 1 || b.SMin > b.SMax {
		return fmt.Errorf("%s band: saturation range [%g,%g] invalid", name, b.SMin, b.SMax)
	}
	if b.VMin < 0 || b.VMax > 1 || b.VMin > b.VMax {
		return fmt.Errorf("%s band: value range [%g,%g] invalid", name, b.VMin, b.VMax)
	}
	return nil
}

// ROI is the calibrated region of the frame that shows the vessel, with the
// mapping from rows to millimetres and the colour bands of each class.
type ROI struct {
	Rect image.Rectangle
	// Polygon optionally restricts the ROI to the vessel outline. Points
	// are in image coordinates.
	Polygon []image.Point
	// FrameSize, when set, is the frame size the ROI was calibrated on.
	// A frame of any other size means the camera framing changed.
	FrameSize image.Point

	// MMPerPixel is the physical height of one ROI row.
	MMPerPixel float64
	// ZeroMM is the level at the liquid-end edge of the ROI.
	ZeroMM      float64
	Orientation Orientation

	Liquid Band
	Air    Band
	// Wall is optional.
	Wall Band
}

// Validate checks the ROI for internal consistency.
func (r ROI) Validate() error {
	if r.Rect.Empty() {
		return errors.New("roi: rectangle is empty")
	}
	if r.MMPerPixel <= 0 {
		return fmt.Errorf("roi: mm_per_pixel must be positive, got %g", r.MMPerPixel)
	}
	switch r.Orientation {
	case LiquidAtBottom, LiquidAtTop:
	default:
		return fmt.Errorf("roi: unknown orientation %q", r.Orientation)
	}
	if len(r.Polygon) > 0 && len(r.Polygon) < 3 {
		return errors.New("roi: polygon needs at least 3 points")
	}
	if r.Liquid.IsZero() || r.Air.IsZero() {
		return errors.New("roi: liquid and air bands are required")
	}
	if err := r.Liquid.validate("liquid"); err != nil {
		return err
	}
	if err := r.Air.validate("air"); err != nil {
		return err
	}
	if !r.Wall.IsZero() {
		if err := r.Wall.validate("wall"); err != nil {
			return err
		}
	}
	return nil
}

// RangeMM returns the levels at the liquid end and the air end of the ROI.
// Every valid measurement lies within it.
func (r ROI) RangeMM() (lo, hi float64) {
	return r.ZeroMM, r.ZeroMM + float64(r.Rect.Dy())*r.MMPerPixel
}

// inPolygon reports whether (x, y) lies inside poly (even-odd rule).
func inPolygon(poly []image.Point, x, y float64) bool {
	in := false
	j := len(poly) - 1
	for i := range poly {
		xi, yi := float64(poly[i].X), float64(poly[i].Y)
		xj, yj := float64(poly[j].X), float64(poly[j].Y)
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
		j = i
	}
	return in
}

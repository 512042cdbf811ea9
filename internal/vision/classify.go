package vision

import (
	"image"
	"math"
)

type pixelClass uint8

const (
	classNone pixelClass = iota
	classLiquid
	classAir
	classWall
)

// rgbAt returns the pixel colour as 8-bit channels. *image.RGBA (what the
// webcam adapter produces) is read straight from Pix.
func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	if m, ok := img.(*image.RGBA); ok {
		i := m.PixOffset(x, y)
		return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
	}
	cr, cg, cb, _ := img.At(x, y).RGBA()
	return uint8(cr >> 8), uint8(cg >> 8), uint8(cb >> 8)
}

// rgbToHSV converts 8-bit RGB to hue in degrees and saturation/value in
// [0,1].
func rgbToHSV(r8, g8, b8 uint8) (h, s, v float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	v = hi
	d := hi - lo
	if hi > 0 {
		s = d / hi
	}
	if d == 0 {
		return 0, s, v
	}
	switch hi {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// classify assigns a pixel to a class. Liquid wins over air and air over
// wall when bands overlap.
func (r *ROI) classify(red, green, blue uint8) pixelClass {
	h, s, v := rgbToHSV(red, green, blue)
	switch {
	case r.Liquid.Contains(h, s, v):
		return classLiquid
	case r.Air.Contains(h, s, v):
		return classAir
	case !r.Wall.IsZero() && r.Wall.Contains(h, s, v):
		return classWall
	default:
		return classNone
	}
}

// rowStat counts the classes of one ROI row.
type rowStat struct {
	y      int
	pixels int
	liquid int
	air    int
	wall   int
}

func (s rowStat) classifiable(coverage float64) bool {
	if s.pixels == 0 || s.liquid+s.air == 0 {
		return false
	}
	return float64(s.liquid+s.air+s.wall)/float64(s.pixels) >= coverage
}

func (s rowStat) liquidFraction() float64 {
	if s.liquid+s.air == 0 {
		return 0
	}
	return float64(s.liquid) / float64(s.liquid+s.air)
}

// scanRows classifies every ROI pixel and returns the per-row counts ordered
// from the liquid end to the air end. Rows with no pixels inside the
// polygon are omitted.
func scanRows(img image.Image, roi *ROI) []rowStat {
	rect := roi.Rect
	rows := make([]rowStat, 0, rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		st := rowStat{y: y}
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if len(roi.Polygon) > 0 && !inPolygon(roi.Polygon, float64(x)+0.5, float64(y)+0.5) {
				continue
			}
			st.pixels++
			switch roi.classify(rgbAt(img, x, y)) {
			case classLiquid:
				st.liquid++
			case classAir:
				st.air++
			case classWall:
				st.wall++
			}
		}
		if st.pixels > 0 {
			rows = append(rows, st)
		}
	}
	if roi.Orientation == LiquidAtBottom {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows
}

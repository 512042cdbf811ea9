package vision

import (
	"errors"
	"image"
	"image/color"
	"io"

	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	roiColor      = color.RGBA{G: 200, A: 255}
	polygonColor  = color.RGBA{R: 230, G: 200, A: 255}
	boundaryColor = color.RGBA{R: 230, A: 255}
)

// Annotate draws the ROI, its polygon mask and the detected boundary row of
// m over the frame image. The canvas runs at 72 dpi so one point is one
// pixel.
func Annotate(f Frame, roi ROI, m RawMeasurement) (*vgimg.Canvas, error) {
	if f.Image == nil {
		return nil, errors.New("vision: frame has no image")
	}
	b := f.Image.Bounds()
	w, h := vg.Length(b.Dx()), vg.Length(b.Dy())
	c := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(72))
	c.DrawImage(vg.Rectangle{Max: vg.Point{X: w, Y: h}}, f.Image)

	// Image rows grow downwards, canvas y upwards.
	pt := func(x, y int) vg.Point {
		return vg.Point{X: vg.Length(x - b.Min.X), Y: h - vg.Length(y-b.Min.Y)}
	}
	stroke := func(clr color.Color, width vg.Length, pts ...image.Point) {
		var p vg.Path
		p.Move(pt(pts[0].X, pts[0].Y))
		for _, q := range pts[1:] {
			p.Line(pt(q.X, q.Y))
		}
		p.Close()
		c.SetColor(clr)
		c.SetLineWidth(width)
		c.Stroke(p)
	}

	r := roi.Rect
	stroke(roiColor, 1, r.Min, image.Pt(r.Max.X, r.Min.Y), r.Max, image.Pt(r.Min.X, r.Max.Y))
	if len(roi.Polygon) >= 3 {
		stroke(polygonColor, 1, roi.Polygon...)
	}
	if m.BoundaryRow >= 0 {
		var p vg.Path
		p.Move(pt(r.Min.X-4, m.BoundaryRow))
		p.Line(pt(r.Max.X+4, m.BoundaryRow))
		c.SetColor(boundaryColor)
		c.SetLineWidth(2)
		c.Stroke(p)
	}
	return c, nil
}

// WriteAnnotatedPNG writes Annotate's output as a PNG.
func WriteAnnotatedPNG(w io.Writer, f Frame, roi ROI, m RawMeasurement) error {
	c, err := Annotate(f, roi, m)
	if err != nil {
		return err
	}
	_, err = vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	return err
}

package mask

import (
	"image"
	"image/color"
	"math"

	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"gocv.io/x/gocv"
)

// single channel Mats take their value from the first scalar component (blue)
var lineColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// DrawLine rasterizes the segment start-end with the given thickness into p.
// Coordinates are rounded half-to-even and the segment is clipped to the plane;
// a segment lying completely outside draws nothing.
func DrawLine(p iface.Plane, start, end iface.PointF, thickness int) error {
	if thickness < 1 {
		return errdefs.Configurationf("mask.DrawLine", "line thickness must be at least 1, got %d", thickness)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	a, b, ok := ClipSegment(p.Width, p.Height, roundPoint(start), roundPoint(end))
	if !ok {
		return nil
	}

	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), p.Height, p.Width, gocv.MatTypeCV8U)
	defer canvas.Close()
	gocv.Line(&canvas, a, b, lineColor, thickness)

	data := canvas.ToBytes()
	for i, v := range data {
		if v != 0 {
			p.Pix[i] = 1
		}
	}
	return nil
}

// ClipSegment clips a-b to [0,width-1]×[0,height-1] (Liang–Barsky).
// ok is false when no part of the segment is inside.
func ClipSegment(width, height int, a, b image.Point) (image.Point, image.Point, bool) {
	if width <= 0 || height <= 0 {
		return a, b, false
	}
	x0, y0 := float64(a.X), float64(a.Y)
	dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
	xmax, ymax := float64(width-1), float64(height-1)

	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, x0},
		{dx, xmax - x0},
		{-dy, y0},
		{dy, ymax - y0},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return a, b, false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return a, b, false
			}
			if r < t1 {
				t1 = r
			}
		}
	}
	ca := image.Pt(int(math.Round(x0+t0*dx)), int(math.Round(y0+t0*dy)))
	cb := image.Pt(int(math.Round(x0+t1*dx)), int(math.Round(y0+t1*dy)))
	return ca, cb, true
}

func roundPoint(p iface.PointF) image.Point {
	return image.Pt(int(math.RoundToEven(p.X)), int(math.RoundToEven(p.Y)))
}

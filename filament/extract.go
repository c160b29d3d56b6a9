package filament

import (
	"image"
	"sort"

	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

const (
	MethodPairwise = "pairwise"
	MethodHull     = "hull"
)

// Extractor reduces a filament mask to its two endpoints: the farthest pair
// of points on the mask outline.
type Extractor struct {
	Method string
}

func NewExtractor(method string) (Extractor, error) {
	switch method {
	case "":
		return Extractor{Method: MethodPairwise}, nil
	case MethodPairwise, MethodHull:
		return Extractor{Method: method}, nil
	}
	return Extractor{}, errdefs.Configurationf("filament.NewExtractor", "unknown extraction method %q", method)
}

// Extract returns the endpoints of the filament in p. An empty mask is a
// data error carrying frame and instance.
func (e Extractor) Extract(frame, instance int, p iface.Plane) ([2]iface.Point, error) {
	pts, err := outline(p)
	if err != nil {
		return [2]iface.Point{}, errdefs.Resource("filament.Extract", err)
	}
	if len(pts) == 0 {
		return [2]iface.Point{}, errdefs.Dataf("filament.Extract", frame, instance, "mask is empty")
	}
	if e.Method == MethodHull {
		pts = convexHull(pts)
	}
	a, b := farthestPair(pts)
	return [2]iface.Point{{X: a.X, Y: a.Y}, {X: b.X, Y: b.Y}}, nil
}

// outline collects the points of every contour of the mask, in contour order.
func outline(p iface.Plane) ([]image.Point, error) {
	m, err := p.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	contours := gocv.FindContours(m, gocv.RetrievalTree, gocv.ChainApproxSimple)
	defer contours.Close()

	var pts []image.Point
	for _, c := range contours.ToPoints() {
		pts = append(pts, c...)
	}
	return pts, nil
}

// farthestPair scans all pairs i<j; the first pair reaching the maximum wins.
// A single point pairs with itself.
func farthestPair(pts []image.Point) (image.Point, image.Point) {
	a, b := pts[0], pts[0]
	best := -1.0
	for i := 0; i < len(pts); i++ {
		pi := vec(pts[i])
		for j := i + 1; j < len(pts); j++ {
			if d := pi.Sub(vec(pts[j])).Norm(); d > best {
				best = d
				a, b = pts[i], pts[j]
			}
		}
	}
	return a, b
}

func vec(p image.Point) r2.Point {
	return r2.Point{X: float64(p.X), Y: float64(p.Y)}
}

// convexHull is Andrew's monotone chain; collinear points are dropped.
func convexHull(pts []image.Point) []image.Point {
	sorted := make([]image.Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})
	uniq := sorted[:0]
	for i, p := range sorted {
		if i == 0 || p != sorted[i-1] {
			uniq = append(uniq, p)
		}
	}
	if len(uniq) < 3 {
		return uniq
	}

	cross := func(o, a, b image.Point) float64 {
		return vec(a).Sub(vec(o)).Cross(vec(b).Sub(vec(o)))
	}
	hull := make([]image.Point, 0, 2*len(uniq))
	for _, p := range uniq {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(uniq) - 2; i >= 0; i-- {
		p := uniq[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

package iface

import (
	"fmt"

	"gocv.io/x/gocv"
)

func NewPlane(width, height int) Plane {
	return Plane{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

func (p Plane) At(x, y int) bool {
	return p.Pix[y*p.Width+x] != 0
}

func (p Plane) Set(x, y int) {
	p.Pix[y*p.Width+x] = 1
}

func (p Plane) Count() int {
	n := 0
	for _, v := range p.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func (p Plane) Clone() Plane {
	c := Plane{Width: p.Width, Height: p.Height, Pix: make([]uint8, len(p.Pix))}
	copy(c.Pix, p.Pix)
	return c
}

// Mat copies the plane into a new single channel 8-bit Mat with values 0/255.
// The caller owns the Mat and must Close it.
func (p Plane) Mat() (gocv.Mat, error) {
	if len(p.Pix) != p.Width*p.Height {
		return gocv.NewMat(), fmt.Errorf("plane data has %d bytes, want %d", len(p.Pix), p.Width*p.Height)
	}
	buf := make([]byte, len(p.Pix))
	for i, v := range p.Pix {
		if v != 0 {
			buf[i] = 255
		}
	}
	return gocv.NewMatFromBytes(p.Height, p.Width, gocv.MatTypeCV8U, buf)
}

// PlaneFromMat reads a single channel 8-bit Mat; any non-zero pixel is set.
func PlaneFromMat(m gocv.Mat) (Plane, error) {
	if m.Type() != gocv.MatTypeCV8U {
		return Plane{}, fmt.Errorf("expected 8-bit single channel mat, got type %v", m.Type())
	}
	p := NewPlane(m.Cols(), m.Rows())
	data := m.ToBytes()
	for i := range p.Pix {
		if data[i] != 0 {
			p.Pix[i] = 1
		}
	}
	return p, nil
}

func NewMaskStack(width, height, count int) MaskStack {
	s := MaskStack{Width: width, Height: height, Planes: make([]Plane, count)}
	for i := range s.Planes {
		s.Planes[i] = NewPlane(width, height)
	}
	return s
}

func (s MaskStack) Len() int {
	return len(s.Planes)
}

// Disjoint reports whether no pixel is set in more than one plane.
func (s MaskStack) Disjoint() bool {
	seen := make([]bool, s.Width*s.Height)
	for _, p := range s.Planes {
		for i, v := range p.Pix {
			if v == 0 {
				continue
			}
			if seen[i] {
				return false
			}
			seen[i] = true
		}
	}
	return true
}

func (r DetectionResult) Len() int {
	return len(r.ClassIDs)
}

// Select returns a new result holding instances idx, in that order.
func (r DetectionResult) Select(idx []int) DetectionResult {
	out := DetectionResult{
		Frame:    r.Frame,
		Width:    r.Width,
		Height:   r.Height,
		Boxes:    make([]Box, 0, len(idx)),
		Masks:    MaskStack{Width: r.Masks.Width, Height: r.Masks.Height, Planes: make([]Plane, 0, len(idx))},
		ClassIDs: make([]int, 0, len(idx)),
		Scores:   make([]float32, 0, len(idx)),
	}
	for _, i := range idx {
		out.Boxes = append(out.Boxes, r.Boxes[i])
		out.Masks.Planes = append(out.Masks.Planes, r.Masks.Planes[i].Clone())
		out.ClassIDs = append(out.ClassIDs, r.ClassIDs[i])
		out.Scores = append(out.Scores, r.Scores[i])
	}
	return out
}

func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d has invalid size %dx%d", f.Index, f.Width, f.Height)
	}
	if f.Channels != 1 && f.Channels != 3 {
		return fmt.Errorf("frame %d has %d channels, want 1 or 3", f.Index, f.Channels)
	}
	if len(f.Data) != f.Width*f.Height*f.Channels {
		return fmt.Errorf("frame %d has %d bytes, want %d", f.Index, len(f.Data), f.Width*f.Height*f.Channels)
	}
	return nil
}

package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaneCountAndClone(t *testing.T) {
	p := NewPlane(4, 3)
	p.Set(0, 0)
	p.Set(3, 2)
	assert.Equal(t, 2, p.Count())
	assert.True(t, p.At(3, 2))
	assert.False(t, p.At(1, 1))

	c := p.Clone()
	c.Set(1, 1)
	assert.Equal(t, 2, p.Count())
	assert.Equal(t, 3, c.Count())
}

func TestPlaneMatRoundTrip(t *testing.T) {
	p := NewPlane(5, 4)
	p.Set(2, 1)
	p.Set(4, 3)
	m, err := p.Mat()
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 4, m.Rows())
	assert.Equal(t, 5, m.Cols())

	back, err := PlaneFromMat(m)
	require.NoError(t, err)
	assert.Equal(t, p.Pix, back.Pix)
}

func TestMaskStackDisjoint(t *testing.T) {
	s := NewMaskStack(3, 3, 2)
	s.Planes[0].Set(0, 0)
	s.Planes[1].Set(1, 1)
	assert.True(t, s.Disjoint())
	s.Planes[1].Set(0, 0)
	assert.False(t, s.Disjoint())
}

func TestDetectionResultSelect(t *testing.T) {
	r := DetectionResult{
		Frame:    1,
		Width:    2,
		Height:   2,
		Boxes:    []Box{{0, 0, 1, 1}, {1, 1, 2, 2}, {0, 1, 1, 2}},
		Masks:    NewMaskStack(2, 2, 3),
		ClassIDs: []int{1, 2, 3},
		Scores:   []float32{0.1, 0.2, 0.3},
	}
	out := r.Select([]int{2, 0})
	assert.Equal(t, []int{3, 1}, out.ClassIDs)
	assert.Equal(t, []float32{0.3, 0.1}, out.Scores)
	assert.Equal(t, r.Boxes[2], out.Boxes[0])
	assert.Equal(t, 2, out.Masks.Len())

	out.Masks.Planes[0].Set(0, 0)
	assert.Equal(t, 0, r.Masks.Planes[2].Count())
}

func TestFrameValidate(t *testing.T) {
	f := Frame{Index: 0, Width: 2, Height: 2, Channels: 1, Data: make([]byte, 4)}
	assert.NoError(t, f.Validate())
	f.Channels = 2
	assert.Error(t, f.Validate())
	f.Channels = 3
	assert.Error(t, f.Validate())
}

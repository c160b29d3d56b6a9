package mask

import (
	"os"
	"path/filepath"
	"testing"

	iface "FilamentDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestEncodePNG(t *testing.T) {
	p := iface.NewPlane(5, 3)
	p.Set(1, 2)
	data, err := EncodePNG(p)
	require.NoError(t, err)

	m, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	require.NoError(t, err)
	defer m.Close()
	back, err := iface.PlaneFromMat(m)
	require.NoError(t, err)
	assert.Equal(t, p.Pix, back.Pix)
	assert.Equal(t, uint8(255), m.GetUCharAt(2, 1))
}

func TestWriteStack(t *testing.T) {
	s, err := BuildStack(20, 20, []iface.AnnotationLine{
		{Start: iface.PointF{X: 0, Y: 5}, End: iface.PointF{X: 19, Y: 5}, Thickness: 1},
		{Start: iface.PointF{X: 5, Y: 0}, End: iface.PointF{X: 5, Y: 19}, Thickness: 1, ZOrder: 1},
	})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "masks")
	paths, err := WriteStack(dir, "frame", s)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "frame_000.png"), filepath.Join(dir, "frame_001.png")}, paths)
	for _, path := range paths {
		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, st.Size())
	}
}

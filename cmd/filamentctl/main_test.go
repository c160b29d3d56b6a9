package main

import (
	"os"
	"path/filepath"
	"testing"

	"FilamentDetServer/annotation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

func TestExportMasks(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "cell_01.png")
	m := gocv.NewMatWithSize(60, 90, gocv.MatTypeCV8UC1)
	defer m.Close()
	require.True(t, gocv.IMWrite(img, m))
	sidecar := `{"microtubule": [
	  {"type": "seed", "start_x": 10, "start_y": 10, "end_x": 80, "end_y": 10, "group_id": 1},
	  {"type": "seed", "start_x": 45, "start_y": 2, "end_x": 45, "end_y": 55, "group_id": 4}
	]}`
	require.NoError(t, os.WriteFile(annotation.SidecarPath(img), []byte(sidecar), 0o644))

	out := filepath.Join(dir, "masks")
	require.NoError(t, exportMasks([]string{img}, out, annotation.DefaultKey, 3))

	for _, name := range []string{"cell_01_000.png", "cell_01_001.png"} {
		plane := gocv.IMRead(filepath.Join(out, name), gocv.IMReadGrayScale)
		require.False(t, plane.Empty(), name)
		assert.Equal(t, 90, plane.Cols())
		assert.Equal(t, 60, plane.Rows())
		assert.Positive(t, gocv.CountNonZero(plane))
		plane.Close()
	}
}

func TestExportMasksMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	lonely := filepath.Join(dir, "lonely.png")
	other := filepath.Join(dir, "other.png")
	good := filepath.Join(dir, "good.png")
	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC1)
	defer m.Close()
	for _, img := range []string{lonely, other, good} {
		require.True(t, gocv.IMWrite(img, m))
	}
	sidecar := `{"microtubule": [{"type": "seed", "start_x": 1, "start_y": 1, "end_x": 6, "end_y": 6, "group_id": 1}]}`
	require.NoError(t, os.WriteFile(annotation.SidecarPath(good), []byte(sidecar), 0o644))

	out := filepath.Join(dir, "out")
	err := exportMasks([]string{lonely, good, other}, out, annotation.DefaultKey, 1)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	_, statErr := os.Stat(filepath.Join(out, "good_000.png"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(out, "lonely_000.png"))
	assert.True(t, os.IsNotExist(statErr))
}

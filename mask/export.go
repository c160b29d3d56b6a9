package mask

import (
	"fmt"
	"os"
	"path/filepath"

	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"gocv.io/x/gocv"
)

// EncodePNG renders a plane as an 8-bit PNG with values 0/255.
func EncodePNG(p iface.Plane) ([]byte, error) {
	m, err := p.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WriteStack writes every plane of s to dir as <stem>_<index>.png.
func WriteStack(dir, stem string, s iface.MaskStack) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Resource("mask.WriteStack", err)
	}
	paths := make([]string, 0, s.Len())
	for i, p := range s.Planes {
		data, err := EncodePNG(p)
		if err != nil {
			return paths, fmt.Errorf("plane %d: %w", i, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", stem, i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, errdefs.Resource("mask.WriteStack", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

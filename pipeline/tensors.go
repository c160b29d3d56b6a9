package pipeline

import (
	"FilamentDetServer/engine"
	"FilamentDetServer/errdefs"

	"gorgonia.org/tensor"
)

// numbers reads a numeric tensor of any supported element type as float64.
// Graph backed and native stages do not agree on integer vs float outputs.
func numbers(op string, ts engine.Tensors, name string) ([]float64, tensor.Shape, error) {
	d, ok := ts[name]
	if !ok || d == nil {
		return nil, nil, errdefs.Configurationf(op, "tensor %s missing", name)
	}
	var out []float64
	switch v := d.Data().(type) {
	case []float32:
		out = widen(v)
	case float32:
		out = []float64{float64(v)}
	case []int32:
		out = widen(v)
	case int32:
		out = []float64{float64(v)}
	case []int64:
		out = widen(v)
	case int64:
		out = []float64{float64(v)}
	case []uint8:
		out = widen(v)
	case uint8:
		out = []float64{float64(v)}
	case []float64:
		out = v
	case float64:
		out = []float64{v}
	default:
		return nil, nil, errdefs.Configurationf(op, "tensor %s has unsupported element type %T", name, v)
	}
	return out, d.Shape(), nil
}

func widen[T float32 | int32 | int64 | uint8](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func scalar(op string, ts engine.Tensors, name string) (float64, error) {
	v, _, err := numbers(op, ts, name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, errdefs.Configurationf(op, "tensor %s has %d elements, want a scalar", name, len(v))
	}
	return v[0], nil
}

// hw extracts height and width from a shape vector such as [h, w, c] or
// [1, h, w, c].
func hw(op, name string, v []float64) (int, int, error) {
	switch len(v) {
	case 2, 3:
		return int(v[0]), int(v[1]), nil
	case 4:
		return int(v[1]), int(v[2]), nil
	}
	return 0, 0, errdefs.Configurationf(op, "tensor %s is not an image shape: %v", name, v)
}

package engine

import (
	"fmt"

	"FilamentDetServer/errdefs"

	"gorgonia.org/tensor"
)

type element interface {
	~float32 | ~int32 | ~int64 | ~uint8
}

// NewTensor wraps data with the given shape. An empty shape makes a scalar.
func NewTensor[T element](data []T, shape ...int) *tensor.Dense {
	if len(shape) == 0 && len(data) == 1 {
		return tensor.New(tensor.FromScalar(data[0]))
	}
	if len(data) == 0 {
		// keep a real backing pointer for zero sized tensors
		data = make([]T, 0, 1)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func Scalar[T element](v T) *tensor.Dense {
	return tensor.New(tensor.FromScalar(v))
}

// Values returns the flat data of a tensor whose element type is T.
func Values[T element](d *tensor.Dense) ([]T, error) {
	switch v := d.Data().(type) {
	case []T:
		return v, nil
	case T:
		return []T{v}, nil
	default:
		var zero T
		return nil, fmt.Errorf("tensor holds %T, want %T", v, zero)
	}
}

// Get looks up name and converts it to T, reporting a configuration error when
// the tensor is absent or has another element type.
func Get[T element](op string, ts Tensors, name string) ([]T, tensor.Shape, error) {
	d, ok := ts[name]
	if !ok || d == nil {
		return nil, nil, errdefs.Configurationf(op, "tensor %s missing", name)
	}
	v, err := Values[T](d)
	if err != nil {
		return nil, nil, errdefs.Configurationf(op, "tensor %s: %w", name, err)
	}
	return v, d.Shape(), nil
}

// GetScalar reads a single element tensor.
func GetScalar[T element](op string, ts Tensors, name string) (T, error) {
	v, _, err := Get[T](op, ts, name)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(v) != 1 {
		var zero T
		return zero, errdefs.Configurationf(op, "tensor %s has %d elements, want a scalar", name, len(v))
	}
	return v[0], nil
}

// Squeeze drops leading unit dimensions until the shape has rank dims.
func Squeeze(shape tensor.Shape, rank int) []int {
	s := []int(shape)
	for len(s) > rank && s[0] == 1 {
		s = s[1:]
	}
	return s
}

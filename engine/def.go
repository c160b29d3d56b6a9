package engine

import (
	"context"
	"sort"
	"strings"

	"FilamentDetServer/errdefs"

	"gorgonia.org/tensor"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

// Tensors maps graph node names to values.
type Tensors map[string]*tensor.Dense

// Handle identifies a graph loaded into a Runtime.
type Handle string

// Runtime executes independently compiled computation graphs. Handles are
// safe for concurrent Run calls.
type Runtime interface {
	Load(ctx context.Context, path string) (Handle, error)
	Run(ctx context.Context, h Handle, inputs Tensors, outputs []string) (Tensors, error)
	Release(h Handle) error
}

// Names returns the sorted tensor names.
func (t Tensors) Names() []string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Select keeps only the named tensors.
func (t Tensors) Select(names []string) Tensors {
	out := make(Tensors, len(names))
	for _, n := range names {
		if v, ok := t[n]; ok {
			out[n] = v
		}
	}
	return out
}

// CheckContract fails with a configuration error naming every tensor of
// want that t lacks.
func CheckContract(op, side string, t Tensors, want []string) error {
	var missing []string
	for _, n := range want {
		if v, ok := t[n]; !ok || v == nil {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return errdefs.Configurationf(op, "%s tensors missing: %s", side, strings.Join(missing, ", "))
	}
	return nil
}

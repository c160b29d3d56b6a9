package batch

import (
	"FilamentDetServer/errdefs"

	"github.com/samber/lo"
)

// Split partitions items into contiguous batches of at most size elements,
// keeping the original order. The last batch may be shorter.
func Split[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, errdefs.Configurationf("batch.Split", "batch size must be positive, got %d", size)
	}
	if len(items) == 0 {
		return [][]T{}, nil
	}
	return lo.Chunk(items, size), nil
}

// Count is the number of batches Split produces: ceil(n / size).
func Count(n, size int) int {
	if size <= 0 || n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

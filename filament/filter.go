package filament

import (
	iface "FilamentDetServer/interface"

	"github.com/samber/lo"
)

// Filter keeps the instances whose mask covers strictly more than minArea
// pixels. Boxes, masks, class ids and scores stay aligned and in order; the
// input is not modified. minArea <= 0 returns an unchanged copy.
func Filter(r iface.DetectionResult, minArea int) iface.DetectionResult {
	idx := lo.Range(r.Len())
	if minArea > 0 {
		idx = lo.Filter(idx, func(i int, _ int) bool {
			return r.Masks.Planes[i].Count() > minArea
		})
	}
	return r.Select(idx)
}

// FilterAll applies Filter to every frame.
func FilterAll(results []iface.DetectionResult, minArea int) []iface.DetectionResult {
	return lo.Map(results, func(r iface.DetectionResult, _ int) iface.DetectionResult {
		return Filter(r, minArea)
	})
}

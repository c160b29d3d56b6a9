package mask

import (
	"cmp"
	"fmt"
	"slices"

	iface "FilamentDetServer/interface"
)

// BuildStack rasterizes one plane per line and resolves overlaps by z-order:
// a pixel belongs to the highest line that covers it. Planes come back in the
// order of lines. A line hidden completely under others keeps an empty plane.
func BuildStack(width, height int, lines []iface.AnnotationLine) (iface.MaskStack, error) {
	stack := iface.NewMaskStack(width, height, len(lines))
	claimed := make([]bool, width*height)
	for _, i := range topmostFirst(lines) {
		plane := stack.Planes[i]
		l := lines[i]
		if err := DrawLine(plane, l.Start, l.End, l.Thickness); err != nil {
			return iface.MaskStack{}, fmt.Errorf("line %d (group %d): %w", i, l.GroupID, err)
		}
		for j, v := range plane.Pix {
			if v == 0 {
				continue
			}
			if claimed[j] {
				plane.Pix[j] = 0
			} else {
				claimed[j] = true
			}
		}
	}
	return stack, nil
}

// topmostFirst orders line indices by descending ZOrder; on equal ZOrder the
// later line is on top.
func topmostFirst(lines []iface.AnnotationLine) []int {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = len(lines) - 1 - i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(lines[b].ZOrder, lines[a].ZOrder)
	})
	return idx
}

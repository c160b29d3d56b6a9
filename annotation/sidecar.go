package annotation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"
)

const (
	DefaultKey = "microtubule"
	Extension  = ".json"

	seedType = "seed"
)

type row struct {
	Type    string   `json:"type"`
	StartX  *float64 `json:"start_x"`
	StartY  *float64 `json:"start_y"`
	EndX    *float64 `json:"end_x"`
	EndY    *float64 `json:"end_y"`
	GroupID *int     `json:"group_id"`
	// older exports name the group column mt_id
	MtID *int `json:"mt_id"`
}

func (r row) group() (int, bool) {
	if r.GroupID != nil {
		return *r.GroupID, true
	}
	if r.MtID != nil {
		return *r.MtID, true
	}
	return 0, false
}

// SidecarPath returns the annotation file that belongs to an image:
// same directory, same base name, .json extension.
func SidecarPath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + Extension
}

// Load reads the sidecar of imagePath and returns one line per group, ordered
// by ascending group id. The seed row of a group is its line; ZOrder is the
// rank of the group so later groups lie on top.
func Load(frame int, imagePath, key string, thickness int) ([]iface.AnnotationLine, error) {
	path := SidecarPath(imagePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Data("annotation.Load", frame, errdefs.NoIndex, err)
	}
	return Parse(frame, raw, key, thickness)
}

// Parse decodes sidecar content; see Load.
func Parse(frame int, raw []byte, key string, thickness int) ([]iface.AnnotationLine, error) {
	if thickness < 1 {
		return nil, errdefs.Configurationf("annotation.Parse", "line thickness must be at least 1, got %d", thickness)
	}
	if key == "" {
		key = DefaultKey
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errdefs.Data("annotation.Parse", frame, errdefs.NoIndex, err)
	}
	list, ok := doc[key]
	if !ok {
		return nil, errdefs.Dataf("annotation.Parse", frame, errdefs.NoIndex, "no %q entry", key)
	}
	var rows []row
	if err := json.Unmarshal(list, &rows); err != nil {
		return nil, errdefs.Data("annotation.Parse", frame, errdefs.NoIndex, fmt.Errorf("%q: %w", key, err))
	}

	seeds := map[int]*row{}
	groups := []int{}
	for i := range rows {
		r := &rows[i]
		g, ok := r.group()
		if !ok {
			return nil, errdefs.Dataf("annotation.Parse", frame, errdefs.NoIndex, "row %d has no group id", i)
		}
		if _, seen := seeds[g]; !seen {
			seeds[g] = nil
			groups = append(groups, g)
		}
		if r.Type == seedType && seeds[g] == nil {
			seeds[g] = r
		}
	}
	sort.Ints(groups)

	lines := make([]iface.AnnotationLine, 0, len(groups))
	for rank, g := range groups {
		seed := seeds[g]
		if seed == nil {
			return nil, errdefs.Dataf("annotation.Parse", frame, errdefs.NoIndex, "group %d has no seed row", g)
		}
		if seed.StartX == nil || seed.StartY == nil || seed.EndX == nil || seed.EndY == nil {
			return nil, errdefs.Dataf("annotation.Parse", frame, errdefs.NoIndex, "group %d: seed row is missing coordinates", g)
		}
		lines = append(lines, iface.AnnotationLine{
			Start:     iface.PointF{X: *seed.StartX, Y: *seed.StartY},
			End:       iface.PointF{X: *seed.EndX, Y: *seed.EndY},
			Thickness: thickness,
			GroupID:   g,
			ZOrder:    rank,
		})
	}
	return lines, nil
}

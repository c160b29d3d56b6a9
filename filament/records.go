package filament

import (
	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"go.uber.org/multierr"
)

// FindAll extracts one record per instance across all frames, in frame order
// then instance order. Ids count emitted records only, so they stay dense when
// an instance fails. Data errors are collected and returned with the records;
// any other error stops the run.
func FindAll(results []iface.DetectionResult, ex Extractor) ([]iface.FilamentRecord, error) {
	records := []iface.FilamentRecord{}
	var errs error
	for _, r := range results {
		for i, p := range r.Masks.Planes {
			pts, err := ex.Extract(r.Frame, i, p)
			if err != nil {
				if errdefs.IsFatal(err) {
					return nil, err
				}
				errs = multierr.Append(errs, err)
				continue
			}
			records = append(records, iface.FilamentRecord{
				ID:     len(records),
				Frame:  r.Frame,
				Points: pts,
			})
		}
	}
	return records, errs
}

// Region is one row of the detection table.
type Region struct {
	ID         int     `json:"id"`
	Frame      int     `json:"frame"`
	ClassID    int     `json:"class_id"`
	ClassLabel string  `json:"class_label"`
	Score      float32 `json:"score"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Regions lists every detection box with its label; label maps a class id to
// its name.
func Regions(results []iface.DetectionResult, label func(int) string) []Region {
	rows := []Region{}
	for _, r := range results {
		for i, b := range r.Boxes {
			rows = append(rows, Region{
				ID:         len(rows),
				Frame:      r.Frame,
				ClassID:    r.ClassIDs[i],
				ClassLabel: label(r.ClassIDs[i]),
				Score:      r.Scores[i],
				X:          b.X1,
				Y:          b.Y1,
				Width:      b.Width(),
				Height:     b.Height(),
			})
		}
	}
	return rows
}

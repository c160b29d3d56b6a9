package pipeline

import (
	"context"

	"FilamentDetServer/filament"
	iface "FilamentDetServer/interface"

	"go.uber.org/multierr"
)

// Report is the transport view of one detection request.
type Report struct {
	RequestID string                 `json:"requestId"`
	Frames    int                    `json:"frames"`
	Records   []iface.FilamentRecord `json:"records"`
	Regions   []filament.Region      `json:"regions"`
	Errors    []string               `json:"errors,omitempty"`
}

// Run processes frames and reports records and regions. Skipped frames and
// instances are listed in Errors; only a fatal error is returned.
func (p *Pipeline) Run(ctx context.Context, requestID string, frames []iface.Frame) (Report, error) {
	out, err := p.Process(ctx, frames)
	if out.Results == nil && err != nil {
		return Report{}, err
	}
	r := Report{
		RequestID: requestID,
		Frames:    len(frames),
		Records:   out.Records,
		Regions:   p.Regions(out.Results),
	}
	for _, e := range multierr.Errors(err) {
		r.Errors = append(r.Errors, e.Error())
	}
	return r, nil
}

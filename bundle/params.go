package bundle

import (
	"fmt"
	"os"

	"FilamentDetServer/errdefs"

	"gopkg.in/yaml.v3"
)

// Parameters feed the preprocessing math. Keys follow the tensor names the
// preprocessing graph expects.
type Parameters struct {
	ImageMinDimension int       `yaml:"image_min_dimension"`
	ImageMaxDimension int       `yaml:"image_max_dimension"`
	MinimumScale      float32   `yaml:"minimum_scale"`
	MeanPixels        []float32 `yaml:"mean_pixels"`
	BackboneStrides   []int     `yaml:"backbone_strides"`
	RPNAnchorScales   []float32 `yaml:"rpn_anchor_scales"`
	RPNAnchorRatios   []float32 `yaml:"rpn_anchor_ratios"`
	RPNAnchorStride   int       `yaml:"rpn_anchor_stride"`
	// ClassIDs sizes the class_ids tensor and the active-class tail of the
	// image metadata; id 0 is the background.
	ClassIDs []int `yaml:"class_ids"`
	// ClassNames are labels only, one per entry of ClassIDs.
	ClassNames []string `yaml:"class_names"`
}

func DefaultParameters() Parameters {
	return Parameters{
		ImageMinDimension: 10,
		ImageMaxDimension: 512,
		MinimumScale:      1.0,
		MeanPixels:        []float32{123.7, 116.8, 103.9},
		BackboneStrides:   []int{4, 8, 16, 32, 64},
		RPNAnchorScales:   []float32{8, 16, 32, 64, 128},
		RPNAnchorRatios:   []float32{0.5, 1, 2},
		RPNAnchorStride:   1,
		ClassIDs:          []int{0, 1},
		ClassNames:        []string{"BG", "microtubule"},
	}
}

// ReadParameters parses a parameters file on top of DefaultParameters.
func ReadParameters(path string) (Parameters, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, errdefs.Configurationf("bundle.ReadParameters", "read %s: %w", path, err)
	}
	p := DefaultParameters()
	p.ClassNames = nil
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Parameters{}, errdefs.Configurationf("bundle.ReadParameters", "parse %s: %w", path, err)
	}
	if len(p.ClassNames) == 0 {
		p.ClassNames = defaultNames(p.ClassIDs)
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func (p Parameters) Validate() error {
	fail := func(format string, args ...any) error {
		return errdefs.Configurationf("bundle.Parameters", format, args...)
	}
	switch {
	case p.ImageMinDimension <= 0:
		return fail("image_min_dimension must be positive, got %d", p.ImageMinDimension)
	case p.ImageMaxDimension < p.ImageMinDimension:
		return fail("image_max_dimension %d is below image_min_dimension %d", p.ImageMaxDimension, p.ImageMinDimension)
	case p.ImageMaxDimension%64 != 0:
		// the backbone halves the image six times
		return fail("image_max_dimension must be a multiple of 64, got %d", p.ImageMaxDimension)
	case p.MinimumScale < 0:
		return fail("minimum_scale must not be negative, got %g", p.MinimumScale)
	case len(p.MeanPixels) != 3:
		return fail("mean_pixels needs 3 values, got %d", len(p.MeanPixels))
	case len(p.BackboneStrides) == 0:
		return fail("backbone_strides is empty")
	case len(p.RPNAnchorScales) != len(p.BackboneStrides):
		return fail("rpn_anchor_scales has %d values for %d backbone strides", len(p.RPNAnchorScales), len(p.BackboneStrides))
	case len(p.RPNAnchorRatios) == 0:
		return fail("rpn_anchor_ratios is empty")
	case p.RPNAnchorStride <= 0:
		return fail("rpn_anchor_stride must be positive, got %d", p.RPNAnchorStride)
	case len(p.ClassIDs) == 0:
		return fail("class_ids is empty")
	case len(p.ClassNames) == 0:
		return fail("class_names is empty")
	case len(p.ClassNames) != len(p.ClassIDs):
		return fail("%d class names for %d class ids", len(p.ClassNames), len(p.ClassIDs))
	}
	for _, s := range p.BackboneStrides {
		if s <= 0 {
			return fail("backbone stride must be positive, got %d", s)
		}
	}
	for _, r := range p.RPNAnchorRatios {
		if r <= 0 {
			return fail("anchor ratio must be positive, got %g", r)
		}
	}
	return nil
}

func (p Parameters) NumClasses() int {
	return len(p.ClassIDs)
}

// defaultNames labels ids that come without class_names: the default names
// when the count matches, "BG" and class_<id> otherwise.
func defaultNames(ids []int) []string {
	def := DefaultParameters().ClassNames
	if len(ids) == len(def) {
		return def
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = fmt.Sprintf("class_%d", id)
		if id == 0 {
			names[i] = "BG"
		}
	}
	return names
}

// Label returns the class name for id, or a placeholder for unknown ids.
func (p Parameters) Label(id int) string {
	if id >= 0 && id < len(p.ClassNames) {
		return p.ClassNames[id]
	}
	return fmt.Sprintf("class_%d", id)
}

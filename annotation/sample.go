package annotation

import (
	"FilamentDetServer/frame"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/mask"
)

// Sample is one training image with its instance masks.
type Sample struct {
	Image iface.Frame
	Lines []iface.AnnotationLine
	Masks iface.MaskStack
}

// LoadSample reads an image and its sidecar and rasterizes the instance masks
// at the image size.
func LoadSample(index int, imagePath, key string, thickness int) (Sample, error) {
	img, err := frame.Read(index, imagePath)
	if err != nil {
		return Sample{}, err
	}
	lines, err := Load(index, imagePath, key, thickness)
	if err != nil {
		return Sample{}, err
	}
	return build(img, lines)
}

// DecodeSample is LoadSample for an encoded image and sidecar held in memory.
func DecodeSample(index int, image, sidecar []byte, key string, thickness int) (Sample, error) {
	img, err := frame.Decode(index, image)
	if err != nil {
		return Sample{}, err
	}
	lines, err := Parse(index, sidecar, key, thickness)
	if err != nil {
		return Sample{}, err
	}
	return build(img, lines)
}

func build(img iface.Frame, lines []iface.AnnotationLine) (Sample, error) {
	stack, err := mask.BuildStack(img.Width, img.Height, lines)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: img, Lines: lines, Masks: stack}, nil
}

package pipeline

import (
	"context"
	"fmt"
	"image"
	"math"

	"FilamentDetServer/engine"
	"FilamentDetServer/errdefs"

	"gocv.io/x/gocv"
)

// Preprocess molds one image for the detector: square resize, zero padding to
// image_max_dimension, mean subtraction, image metadata and pyramid anchors.
type Preprocess struct{}

func (Preprocess) Name() string      { return StagePreprocess }
func (Preprocess) Inputs() []string  { return PreprocessInputs }
func (Preprocess) Outputs() []string { return PreprocessOutputs }

func (Preprocess) Run(_ context.Context, in engine.Tensors) (engine.Tensors, error) {
	const op = "pipeline.Preprocess"

	img, shape, err := engine.Get[float32](op, in, InputImage)
	if err != nil {
		return nil, err
	}
	dims := engine.Squeeze(shape, 3)
	if len(dims) != 3 || dims[2] != 3 {
		return nil, errdefs.Configurationf(op, "input_image must be [h, w, 3], got %v", []int(shape))
	}
	h, w := dims[0], dims[1]

	var p struct {
		origH, origW, minDim, maxDim, anchorStride float64
		minScale                                   float64
	}
	for name, dst := range map[string]*float64{
		OriginalImageHeight: &p.origH,
		OriginalImageWidth:  &p.origW,
		ImageMinDimension:   &p.minDim,
		ImageMaxDimension:   &p.maxDim,
		MinimumScale:        &p.minScale,
		RPNAnchorStride:     &p.anchorStride,
	} {
		if *dst, err = scalar(op, in, name); err != nil {
			return nil, err
		}
	}
	if int(p.origH) != h || int(p.origW) != w {
		return nil, errdefs.Configurationf(op, "original size %vx%v does not match image %dx%d", p.origW, p.origH, w, h)
	}
	mean, _, err := numbers(op, in, MeanPixels)
	if err != nil {
		return nil, err
	}
	if len(mean) != 3 {
		return nil, errdefs.Configurationf(op, "mean_pixels needs 3 values, got %d", len(mean))
	}
	classIDs, _, err := numbers(op, in, ClassIDs)
	if err != nil {
		return nil, err
	}
	strides, _, err := numbers(op, in, BackboneStrides)
	if err != nil {
		return nil, err
	}
	scales, _, err := numbers(op, in, RPNAnchorScales)
	if err != nil {
		return nil, err
	}
	ratios, _, err := numbers(op, in, RPNAnchorRatios)
	if err != nil {
		return nil, err
	}
	if len(scales) != len(strides) {
		return nil, errdefs.Configurationf(op, "%d anchor scales for %d backbone strides", len(scales), len(strides))
	}

	size := int(p.maxDim)
	scale, newH, newW := squareScale(h, w, int(p.minDim), size, p.minScale)
	resized, err := resize(img, h, w, newH, newW)
	if err != nil {
		return nil, errdefs.Resource(op, err)
	}

	top, left := (size-newH)/2, (size-newW)/2
	molded := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := (y*size + x) * 3
			inside := y >= top && y < top+newH && x >= left && x < left+newW
			for c := 0; c < 3; c++ {
				v := float32(0)
				if inside {
					v = resized[((y-top)*newW+(x-left))*3+c]
				}
				molded[o+c] = v - float32(mean[c])
			}
		}
	}
	window := []int32{int32(top), int32(left), int32(top + newH), int32(left + newW)}

	meta := []float32{0, float32(h), float32(w), 3, float32(size), float32(size), 3}
	for _, v := range window {
		meta = append(meta, float32(v))
	}
	meta = append(meta, float32(scale))
	for _, id := range classIDs {
		meta = append(meta, float32(id))
	}

	anchors := pyramidAnchors(scales, ratios, strides, int(p.anchorStride), size)

	return engine.Tensors{
		MoldedImage:   engine.NewTensor(molded, 1, size, size, 3),
		ImageMetadata: engine.NewTensor(meta, 1, len(meta)),
		Window:        engine.NewTensor(window, 1, 4),
		Anchors:       engine.NewTensor(anchors, 1, len(anchors)/4, 4),
	}, nil
}

// squareScale picks the resize factor: upscale so the short side reaches
// minDim, at least minScale, then cap so the long side fits maxDim.
func squareScale(h, w, minDim, maxDim int, minScale float64) (float64, int, int) {
	scale := 1.0
	if minDim > 0 {
		scale = math.Max(1, float64(minDim)/float64(min(h, w)))
	}
	if minScale > 0 && scale < minScale {
		scale = minScale
	}
	if maxDim > 0 {
		imageMax := float64(max(h, w))
		if math.RoundToEven(imageMax*scale) > float64(maxDim) {
			scale = float64(maxDim) / imageMax
		}
	}
	newH := int(math.RoundToEven(float64(h) * scale))
	newW := int(math.RoundToEven(float64(w) * scale))
	return scale, newH, newW
}

// resize scales an interleaved 3 channel float image bilinearly.
func resize(img []float32, h, w, newH, newW int) ([]float32, error) {
	if newH == h && newW == w {
		return img, nil
	}
	src := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32FC3)
	defer src.Close()
	buf, err := src.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	copy(buf, img)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(newW, newH), 0, 0, gocv.InterpolationLinear)
	out, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	if len(out) != newH*newW*3 {
		return nil, fmt.Errorf("resize to %dx%d produced %d values", newW, newH, len(out))
	}
	return append([]float32(nil), out...), nil
}

// pyramidAnchors lays anchors over every feature map level (position-major,
// ratio-minor) and normalizes them to the molded image.
func pyramidAnchors(scales, ratios, strides []float64, anchorStride, size int) []float32 {
	if anchorStride < 1 {
		anchorStride = 1
	}
	norm := float64(size - 1)
	var out []float32
	for level, stride := range strides {
		shape := int(math.Ceil(float64(size) / stride))
		scale := scales[level]
		for y := 0; y < shape; y += anchorStride {
			cy := float64(y) * stride
			for x := 0; x < shape; x += anchorStride {
				cx := float64(x) * stride
				for _, r := range ratios {
					hh := scale / math.Sqrt(r)
					ww := scale * math.Sqrt(r)
					out = append(out,
						float32((cy-hh/2)/norm),
						float32((cx-ww/2)/norm),
						float32((cy+hh/2-1)/norm),
						float32((cx+ww/2-1)/norm),
					)
				}
			}
		}
	}
	return out
}

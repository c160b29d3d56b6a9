package pipeline

import (
	"context"
	"image"
	"math"

	"FilamentDetServer/engine"
	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"gocv.io/x/gocv"
)

const maskThreshold = 0.5

// Postprocess turns raw detections of one molded image into boxes, classes,
// scores and full size masks of the original image.
type Postprocess struct{}

func (Postprocess) Name() string      { return StagePostprocess }
func (Postprocess) Inputs() []string  { return PostprocessInputs }
func (Postprocess) Outputs() []string { return PostprocessOutputs }

func (Postprocess) Run(_ context.Context, in engine.Tensors) (engine.Tensors, error) {
	const op = "pipeline.Postprocess"

	det, detShape, err := numbers(op, in, Detections)
	if err != nil {
		return nil, err
	}
	dd := engine.Squeeze(detShape, 2)
	if len(dd) != 2 || dd[1] < 6 {
		return nil, errdefs.Configurationf(op, "detections must be [N, 6], got %v", []int(detShape))
	}
	masks, maskShape, err := numbers(op, in, MRCNNMask)
	if err != nil {
		return nil, err
	}
	md := engine.Squeeze(maskShape, 4)
	if len(md) != 4 || md[0] < dd[0] {
		return nil, errdefs.Configurationf(op, "mrcnn_mask must be [N, mh, mw, classes], got %v", []int(maskShape))
	}
	orig, _, err := numbers(op, in, OriginalImageShape)
	if err != nil {
		return nil, err
	}
	h, w, err := hw(op, OriginalImageShape, orig)
	if err != nil {
		return nil, err
	}
	canon, _, err := numbers(op, in, ImageShape)
	if err != nil {
		return nil, err
	}
	ch, cw, err := hw(op, ImageShape, canon)
	if err != nil {
		return nil, err
	}
	win, _, err := numbers(op, in, Window)
	if err != nil {
		return nil, err
	}
	if len(win) != 4 {
		return nil, errdefs.Configurationf(op, "window needs 4 values, got %d", len(win))
	}

	stride := dd[1]
	n := dd[0]
	for i := 0; i < n; i++ {
		if det[i*stride+4] == 0 {
			n = i
			break
		}
	}

	// window in normalized canonical coordinates
	nw := [4]float64{
		win[0] / float64(ch-1),
		win[1] / float64(cw-1),
		(win[2] - 1) / float64(ch-1),
		(win[3] - 1) / float64(cw-1),
	}
	wh, ww := nw[2]-nw[0], nw[3]-nw[1]
	if wh <= 0 || ww <= 0 {
		return nil, errdefs.Configurationf(op, "empty window %v", win)
	}
	scale := [4]float64{float64(h - 1), float64(w - 1), float64(h - 1), float64(w - 1)}

	mh, mw, classes := md[1], md[2], md[3]
	var (
		rois     []int32
		classIDs []int32
		scores   []float32
		planes   []iface.Plane
	)
	for i := 0; i < n; i++ {
		row := det[i*stride : i*stride+stride]
		var b [4]int
		for k := 0; k < 4; k++ {
			shift, size := nw[0], wh
			if k%2 == 1 {
				shift, size = nw[1], ww
			}
			v := (row[k]-shift)/size*scale[k] + float64(k/2)
			b[k] = int(math.RoundToEven(v))
		}
		box := iface.Box{Y1: b[0], X1: b[1], Y2: b[2], X2: b[3]}
		if box.Height() <= 0 || box.Width() <= 0 {
			continue
		}
		class := int(row[4])
		if class < 0 || class >= classes {
			return nil, errdefs.Configurationf(op, "class id %d outside %d mask channels", class, classes)
		}

		small := make([]float32, mh*mw)
		base := i * mh * mw * classes
		for j := range small {
			small[j] = float32(masks[base+j*classes+class])
		}
		p, err := unmoldMask(small, mh, mw, box, w, h)
		if err != nil {
			return nil, errdefs.Resource(op, err)
		}

		rois = append(rois, int32(box.Y1), int32(box.X1), int32(box.Y2), int32(box.X2))
		classIDs = append(classIDs, int32(class))
		scores = append(scores, float32(row[5]))
		planes = append(planes, p)
	}

	k := len(classIDs)
	full := make([]uint8, h*w*k)
	for j, p := range planes {
		for px, v := range p.Pix {
			full[px*k+j] = v
		}
	}
	return engine.Tensors{
		Rois:     engine.NewTensor(rois, k, 4),
		ClassIDs: engine.NewTensor(classIDs, k),
		Scores:   engine.NewTensor(scores, k),
		Masks:    engine.NewTensor(full, h, w, k),
	}, nil
}

// unmoldMask resizes a soft mask to its box, thresholds it and pastes it into a
// w×h plane. Parts of the box outside the image are dropped.
func unmoldMask(small []float32, mh, mw int, box iface.Box, w, h int) (iface.Plane, error) {
	p := iface.NewPlane(w, h)
	bw, bh := box.Width(), box.Height()

	src := gocv.NewMatWithSize(mh, mw, gocv.MatTypeCV32F)
	defer src.Close()
	buf, err := src.DataPtrFloat32()
	if err != nil {
		return p, err
	}
	copy(buf, small)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(bw, bh), 0, 0, gocv.InterpolationLinear)
	soft, err := dst.DataPtrFloat32()
	if err != nil {
		return p, err
	}

	for y := 0; y < bh; y++ {
		iy := box.Y1 + y
		if iy < 0 || iy >= h {
			continue
		}
		for x := 0; x < bw; x++ {
			ix := box.X1 + x
			if ix < 0 || ix >= w {
				continue
			}
			if soft[y*bw+x] >= maskThreshold {
				p.Set(ix, iy)
			}
		}
	}
	return p, nil
}

// toResult converts postprocess outputs into a detection result for one frame.
func toResult(index int, out engine.Tensors) (iface.DetectionResult, error) {
	const op = "pipeline.toResult"

	rois, _, err := numbers(op, out, Rois)
	if err != nil {
		return iface.DetectionResult{}, err
	}
	ids, _, err := numbers(op, out, ClassIDs)
	if err != nil {
		return iface.DetectionResult{}, err
	}
	scores, _, err := numbers(op, out, Scores)
	if err != nil {
		return iface.DetectionResult{}, err
	}
	masks, shape, err := numbers(op, out, Masks)
	if err != nil {
		return iface.DetectionResult{}, err
	}
	dims := engine.Squeeze(shape, 3)
	k := len(ids)
	if len(dims) != 3 || dims[2] != k || len(rois) != 4*k || len(scores) != k {
		return iface.DetectionResult{}, errdefs.Configurationf(op,
			"inconsistent outputs: %d class ids, %d rois, %d scores, masks %v", k, len(rois)/4, len(scores), []int(shape))
	}
	h, w := dims[0], dims[1]

	r := iface.DetectionResult{
		Frame:    index,
		Width:    w,
		Height:   h,
		Boxes:    make([]iface.Box, k),
		Masks:    iface.NewMaskStack(w, h, k),
		ClassIDs: make([]int, k),
		Scores:   make([]float32, k),
	}
	for i := 0; i < k; i++ {
		r.Boxes[i] = iface.Box{Y1: int(rois[4*i]), X1: int(rois[4*i+1]), Y2: int(rois[4*i+2]), X2: int(rois[4*i+3])}
		r.ClassIDs[i] = int(ids[i])
		r.Scores[i] = float32(scores[i])
	}
	for px := 0; px < h*w; px++ {
		for i := 0; i < k; i++ {
			if masks[px*k+i] != 0 {
				r.Masks.Planes[i].Pix[px] = 1
			}
		}
	}
	return r, nil
}

package pipeline

import (
	"context"
	"fmt"

	"FilamentDetServer/engine"
)

const (
	StagePreprocess  = "preprocess"
	StagePredict     = "predict"
	StagePostprocess = "postprocess"
)

// Tensor names of the three stage graphs.
const (
	InputImage          = "input_image"
	OriginalImageHeight = "original_image_height"
	OriginalImageWidth  = "original_image_width"
	ImageMinDimension   = "image_min_dimension"
	ImageMaxDimension   = "image_max_dimension"
	MinimumScale        = "minimum_scale"
	MeanPixels          = "mean_pixels"
	ClassIDs            = "class_ids"
	BackboneStrides     = "backbone_strides"
	RPNAnchorScales     = "rpn_anchor_scales"
	RPNAnchorRatios     = "rpn_anchor_ratios"
	RPNAnchorStride     = "rpn_anchor_stride"

	MoldedImage   = "molded_image"
	ImageMetadata = "image_metadata"
	Window        = "window"
	Anchors       = "anchors"

	PredictImage     = "input_image"
	PredictImageMeta = "input_image_meta"
	PredictAnchors   = "input_anchors"

	OutputDetections = "output_detections"
	OutputClass      = "output_mrcnn_class"
	OutputBBox       = "output_mrcnn_bbox"
	OutputMask       = "output_mrcnn_mask"
	OutputRois       = "output_rois"

	Detections         = "detections"
	MRCNNMask          = "mrcnn_mask"
	OriginalImageShape = "original_image_shape"
	ImageShape         = "image_shape"

	Rois   = "rois"
	Scores = "scores"
	Masks  = "masks"
)

var (
	PreprocessInputs = []string{
		InputImage, OriginalImageHeight, OriginalImageWidth, ImageMinDimension, ImageMaxDimension,
		MinimumScale, MeanPixels, ClassIDs, BackboneStrides, RPNAnchorScales, RPNAnchorRatios, RPNAnchorStride,
	}
	PreprocessOutputs  = []string{MoldedImage, ImageMetadata, Window, Anchors}
	PredictInputs      = []string{PredictImage, PredictImageMeta, PredictAnchors}
	PredictOutputs     = []string{OutputDetections, OutputClass, OutputBBox, OutputMask, OutputRois}
	PostprocessInputs  = []string{Detections, MRCNNMask, OriginalImageShape, ImageShape, Window}
	PostprocessOutputs = []string{Rois, ClassIDs, Scores, Masks}
)

// Stage is one step of the detection pipeline with a fixed tensor contract.
type Stage interface {
	Name() string
	Inputs() []string
	Outputs() []string
	Run(ctx context.Context, in engine.Tensors) (engine.Tensors, error)
}

// runStage checks both sides of the stage contract. A missing tensor is a
// configuration error.
func runStage(ctx context.Context, s Stage, in engine.Tensors) (engine.Tensors, error) {
	op := "pipeline." + s.Name()
	if err := engine.CheckContract(op, "input", in, s.Inputs()); err != nil {
		return nil, err
	}
	out, err := s.Run(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", s.Name(), err)
	}
	if err := engine.CheckContract(op, "output", out, s.Outputs()); err != nil {
		return nil, err
	}
	return out, nil
}

// GraphStage runs a stage as a graph on the inference runtime.
type GraphStage struct {
	graph *engine.Graph
}

func NewGraphStage(g *engine.Graph) *GraphStage {
	return &GraphStage{graph: g}
}

func (s *GraphStage) Name() string      { return s.graph.Name }
func (s *GraphStage) Inputs() []string  { return s.graph.Inputs }
func (s *GraphStage) Outputs() []string { return s.graph.Outputs }

func (s *GraphStage) Run(ctx context.Context, in engine.Tensors) (engine.Tensors, error) {
	return s.graph.Run(ctx, in)
}

func (s *GraphStage) Graph() *engine.Graph {
	return s.graph
}

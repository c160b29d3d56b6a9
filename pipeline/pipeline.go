package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"FilamentDetServer/batch"
	"FilamentDetServer/bundle"
	"FilamentDetServer/engine"
	"FilamentDetServer/errdefs"
	"FilamentDetServer/filament"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/logger"
	"FilamentDetServer/monitor"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	BatchSize      int
	Workers        int
	PredictTimeout time.Duration
	MinArea        int
	NativeStages   bool
	ExtractMethod  string
	// RejectOversize fails frames larger than image_max_dimension instead of
	// downscaling them.
	RejectOversize bool
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      4,
		Workers:        1,
		PredictTimeout: 2 * time.Minute,
		MinArea:        0,
		NativeStages:   true,
		ExtractMethod:  filament.MethodPairwise,
	}
}

// Output is the result of a full run: per-frame detections after filtering
// and the filament records extracted from them.
type Output struct {
	Results []iface.DetectionResult `json:"-"`
	Records []iface.FilamentRecord  `json:"records"`
}

// Pipeline runs frames through preprocess, predict and postprocess and hands
// the results to the filament extractor. It is safe for concurrent use.
type Pipeline struct {
	params    bundle.Parameters
	opts      Options
	pre       Stage
	predict   Stage
	post      Stage
	extractor filament.Extractor
	graphs    []*engine.Graph
	log       *zap.Logger
}

// New loads the graphs of a model bundle into rt. The predict graph is always
// loaded; the pre and post graphs only when native stages are disabled.
func New(ctx context.Context, b *bundle.Bundle, rt engine.Runtime, opts Options) (*Pipeline, error) {
	if rt == nil {
		return nil, errdefs.Configurationf("pipeline.New", "no inference runtime")
	}
	type graphSpec struct {
		name, file   string
		inputs, outs []string
	}
	wanted := []graphSpec{{StagePredict, bundle.ModelFile, PredictInputs, PredictOutputs}}
	if !opts.NativeStages {
		wanted = append(wanted,
			graphSpec{StagePreprocess, bundle.PreprocessingGraphFile, PreprocessInputs, PreprocessOutputs},
			graphSpec{StagePostprocess, bundle.PostprocessingGraphFile, PostprocessInputs, PostprocessOutputs},
		)
	}
	for _, s := range wanted {
		if err := b.Require(s.file); err != nil {
			return nil, err
		}
	}

	stages := map[string]Stage{StagePreprocess: Preprocess{}, StagePostprocess: Postprocess{}}
	var graphs []*engine.Graph
	for _, s := range wanted {
		g := engine.NewGraph(s.name, s.inputs, s.outs)
		g.New(rt)
		if err := g.LoadModel(ctx, b.Path(s.file)); err != nil {
			for _, loaded := range graphs {
				loaded.Destroy()
			}
			return nil, fmt.Errorf("load %s graph: %w", s.name, err)
		}
		graphs = append(graphs, g)
		stages[s.name] = NewGraphStage(g)
	}

	p, err := NewWithStages(b.Params, stages[StagePreprocess], stages[StagePredict], stages[StagePostprocess], opts)
	if err != nil {
		for _, g := range graphs {
			g.Destroy()
		}
		return nil, err
	}
	p.graphs = graphs
	p.log.Info("pipeline ready",
		zap.String("model", b.Name),
		zap.Bool("nativeStages", opts.NativeStages),
		zap.Int("batchSize", opts.BatchSize),
		zap.Int("workers", opts.Workers))
	return p, nil
}

// NewWithStages builds a pipeline from already constructed stages.
func NewWithStages(params bundle.Parameters, pre, predict, post Stage, opts Options) (*Pipeline, error) {
	const op = "pipeline.New"
	if pre == nil || predict == nil || post == nil {
		return nil, errdefs.Configurationf(op, "all three stages are required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		return nil, errdefs.Configurationf(op, "batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	ex, err := filament.NewExtractor(opts.ExtractMethod)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		params:    params,
		opts:      opts,
		pre:       pre,
		predict:   predict,
		post:      post,
		extractor: ex,
		log:       logger.Named("pipeline"),
	}, nil
}

func (p *Pipeline) Params() bundle.Parameters {
	return p.params
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Graphs reports the configuration of every loaded graph.
func (p *Pipeline) Graphs() []engine.GraphConfig {
	return lo.Map(p.graphs, func(g *engine.Graph, _ int) engine.GraphConfig { return g.CheckConfig() })
}

// Close releases the loaded graphs.
func (p *Pipeline) Close() {
	for _, g := range p.graphs {
		g.Destroy()
	}
	p.graphs = nil
}

type job struct {
	index  int
	frames []iface.Frame
}

type batchOutput struct {
	results []iface.DetectionResult
	errs    error
}

// Detect returns one result per frame, in input order. A frame that fails with
// a data error gets an empty result and its error is returned alongside the
// results. Configuration and resource errors abort the whole call.
func (p *Pipeline) Detect(ctx context.Context, frames []iface.Frame) ([]iface.DetectionResult, error) {
	batches, err := batch.Split(frames, p.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return []iface.DetectionResult{}, nil
	}

	outputs := make([]batchOutput, len(batches))
	jobs := make(chan job)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i, b := range batches {
			select {
			case jobs <- job{index: i, frames: b}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < min(p.opts.Workers, len(batches)); w++ {
		g.Go(func() error {
			return p.runWorker(gctx, w, jobs, outputs)
		})
	}
	if err := g.Wait(); err != nil {
		monitor.ErrorsTotal.WithLabelValues(errorLabel(err)).Inc()
		p.log.Error("detect aborted", zap.Int("frames", len(frames)), zap.Error(err))
		return nil, err
	}

	results := make([]iface.DetectionResult, 0, len(frames))
	var errs error
	for _, o := range outputs {
		results = append(results, o.results...)
		errs = multierr.Append(errs, o.errs)
	}
	monitor.FramesTotal.Add(float64(len(frames)))
	if n := len(multierr.Errors(errs)); n > 0 {
		monitor.ErrorsTotal.WithLabelValues(errdefs.KindData.String()).Add(float64(n))
	}
	return results, errs
}

func (p *Pipeline) runWorker(ctx context.Context, workerID int, jobs <-chan job, outputs []batchOutput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", workerID), zap.Any("panic", r))
			err = errdefs.Resource("pipeline.worker", fmt.Errorf("worker %d panic: %v", workerID, r))
		}
	}()
	for j := range jobs {
		results, errs, err := p.runBatch(ctx, j.frames)
		if err != nil {
			return err
		}
		outputs[j.index] = batchOutput{results: results, errs: errs}
		p.log.Debug("batch done",
			zap.Int("worker", workerID),
			zap.Int("batch", j.index),
			zap.Int("frames", len(j.frames)))
	}
	return nil
}

// runBatch runs each stage over the whole batch before the next stage starts.
// The second return collects per-frame data errors; the third is fatal.
func (p *Pipeline) runBatch(ctx context.Context, frames []iface.Frame) ([]iface.DetectionResult, error, error) {
	results := make([]iface.DetectionResult, len(frames))
	alive := make([]bool, len(frames))
	staged := make([]engine.Tensors, len(frames))
	var dataErrs error

	skip := func(i int, err error) error {
		if errdefs.IsFatal(err) {
			return err
		}
		if _, ok := errdefs.KindOf(err); !ok {
			return errdefs.Resource("pipeline.runBatch", err)
		}
		alive[i] = false
		dataErrs = multierr.Append(dataErrs, err)
		p.log.Warn("frame skipped", zap.Int("frame", frames[i].Index), zap.Error(err))
		return nil
	}

	start := time.Now()
	for i, f := range frames {
		results[i] = emptyResult(f)
		in, err := p.inputs(f)
		if err == nil {
			staged[i], err = runStage(ctx, p.pre, in)
		}
		if err != nil {
			if err := skip(i, err); err != nil {
				return nil, nil, err
			}
			continue
		}
		alive[i] = true
	}
	monitor.ObserveStage(StagePreprocess, start)

	start = time.Now()
	for i := range frames {
		if !alive[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		pre := staged[i]
		out, err := p.runPredict(ctx, engine.Tensors{
			PredictImage:     pre[MoldedImage],
			PredictImageMeta: pre[ImageMetadata],
			PredictAnchors:   pre[Anchors],
		})
		if err != nil {
			if err := skip(i, err); err != nil {
				return nil, nil, err
			}
			continue
		}
		f := frames[i]
		staged[i] = engine.Tensors{
			Detections:         out[OutputDetections],
			MRCNNMask:          out[OutputMask],
			OriginalImageShape: engine.NewTensor([]int32{int32(f.Height), int32(f.Width), 3}, 3),
			ImageShape:         engine.NewTensor(canonicalShape(pre[MoldedImage].Shape()), 3),
			Window:             pre[Window],
		}
	}
	monitor.ObserveStage(StagePredict, start)

	start = time.Now()
	for i, f := range frames {
		if !alive[i] {
			continue
		}
		out, err := runStage(ctx, p.post, staged[i])
		if err == nil {
			results[i], err = toResult(f.Index, out)
		}
		if err != nil {
			if err := skip(i, err); err != nil {
				return nil, nil, err
			}
		}
		staged[i] = nil
	}
	monitor.ObserveStage(StagePostprocess, start)
	return results, dataErrs, nil
}

func (p *Pipeline) runPredict(ctx context.Context, in engine.Tensors) (engine.Tensors, error) {
	if p.opts.PredictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PredictTimeout)
		defer cancel()
	}
	return runStage(ctx, p.predict, in)
}

// inputs builds the preprocess feed for one frame.
func (p *Pipeline) inputs(f iface.Frame) (engine.Tensors, error) {
	const op = "pipeline.inputs"
	if err := f.Validate(); err != nil {
		return nil, errdefs.Data(op, f.Index, errdefs.NoIndex, err)
	}
	prm := p.params
	if p.opts.RejectOversize && (f.Width > prm.ImageMaxDimension || f.Height > prm.ImageMaxDimension) {
		return nil, errdefs.Configurationf(op, "frame %d is %dx%d, larger than image_max_dimension %d",
			f.Index, f.Width, f.Height, prm.ImageMaxDimension)
	}

	return engine.Tensors{
		InputImage:          engine.NewTensor(rgbFloat(f), f.Height, f.Width, 3),
		OriginalImageHeight: engine.Scalar(int32(f.Height)),
		OriginalImageWidth:  engine.Scalar(int32(f.Width)),
		ImageMinDimension:   engine.Scalar(int32(prm.ImageMinDimension)),
		ImageMaxDimension:   engine.Scalar(int32(prm.ImageMaxDimension)),
		MinimumScale:        engine.Scalar(prm.MinimumScale),
		MeanPixels:          engine.NewTensor(slices.Clone(prm.MeanPixels), len(prm.MeanPixels)),
		ClassIDs:            engine.NewTensor(make([]int32, len(prm.ClassIDs)), len(prm.ClassIDs)),
		BackboneStrides:     engine.NewTensor(toInt32(prm.BackboneStrides), len(prm.BackboneStrides)),
		RPNAnchorScales: engine.NewTensor(lo.Map(prm.RPNAnchorScales, func(v float32, _ int) int32 {
			return int32(math.Round(float64(v)))
		}), len(prm.RPNAnchorScales)),
		RPNAnchorRatios: engine.NewTensor(slices.Clone(prm.RPNAnchorRatios), len(prm.RPNAnchorRatios)),
		RPNAnchorStride: engine.Scalar(int32(prm.RPNAnchorStride)),
	}, nil
}

// Process detects, drops instances at or below MinArea and extracts filament
// endpoints. Data errors from detection and extraction are combined.
func (p *Pipeline) Process(ctx context.Context, frames []iface.Frame) (Output, error) {
	results, detectErrs := p.Detect(ctx, frames)
	if results == nil {
		return Output{}, detectErrs
	}
	results = filament.FilterAll(results, p.opts.MinArea)
	records, extractErrs := filament.FindAll(results, p.extractor)
	if records == nil {
		return Output{}, extractErrs
	}
	monitor.FilamentsTotal.Add(float64(len(records)))
	p.log.Info("frames processed",
		zap.Int("frames", len(frames)),
		zap.Int("filaments", len(records)))
	return Output{Results: results, Records: records}, multierr.Append(detectErrs, extractErrs)
}

// Regions lists the detection table of results with the bundle class names.
func (p *Pipeline) Regions(results []iface.DetectionResult) []filament.Region {
	return filament.Regions(results, p.params.Label)
}

func errorLabel(err error) string {
	if kind, ok := errdefs.KindOf(err); ok {
		return kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "unknown"
}

func emptyResult(f iface.Frame) iface.DetectionResult {
	return iface.DetectionResult{
		Frame:    f.Index,
		Width:    f.Width,
		Height:   f.Height,
		Boxes:    []iface.Box{},
		Masks:    iface.NewMaskStack(f.Width, f.Height, 0),
		ClassIDs: []int{},
		Scores:   []float32{},
	}
}

// rgbFloat widens a frame to interleaved 3 channel float32, repeating gray.
func rgbFloat(f iface.Frame) []float32 {
	n := f.Width * f.Height
	out := make([]float32, n*3)
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			src := i
			if f.Channels == 3 {
				src = i*3 + c
			}
			out[i*3+c] = float32(f.Data[src])
		}
	}
	return out
}

// canonicalShape is [S, S, 3] of a molded image shaped [1, S, S, 3].
func canonicalShape(shape []int) []int32 {
	dims := engine.Squeeze(shape, 3)
	if len(dims) != 3 {
		return []int32{0, 0, 0}
	}
	return toInt32(dims)
}

func toInt32(v []int) []int32 {
	return lo.Map(v, func(x int, _ int) int32 { return int32(x) })
}

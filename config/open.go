package config

import (
	"context"

	"FilamentDetServer/bundle"
	"FilamentDetServer/engine"
	"FilamentDetServer/logger"
	"FilamentDetServer/pipeline"

	"go.uber.org/zap"
)

// Runtime is the remote inference runtime named by model.runtime.
func (c Config) Runtime() engine.Runtime {
	return engine.NewRemoteRuntime(c.Model.Runtime.Endpoint, c.RuntimeTimeout())
}

// Open loads the model bundle and builds a pipeline on rt. Once the graphs are
// loaded the extracted archive is discarded; the returned bundle only carries
// Name and Params. The caller closes the pipeline.
func (c Config) Open(ctx context.Context, rt engine.Runtime) (*pipeline.Pipeline, *bundle.Bundle, error) {
	loader := bundle.NewLoader(c.Model.Registry, c.Model.TempDir, c.RuntimeTimeout())
	b, err := loader.Load(ctx, c.Model.Location)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(ctx, b, rt, c.PipelineOptions())
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	if err := b.Close(); err != nil {
		logger.Named("config").Warn("discard model bundle", zap.String("dir", b.Dir), zap.Error(err))
	}
	return p, b, nil
}

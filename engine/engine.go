package engine

import (
	"context"
	"fmt"

	"FilamentDetServer/errdefs"
	"FilamentDetServer/logger"

	"go.uber.org/zap"
)

// Graph is one computation graph bound to a Runtime, with the fixed tensor
// names it consumes and produces.
type Graph struct {
	Name      string
	ModelPath string
	Inputs    []string
	Outputs   []string
	State     int

	runtime Runtime
	handle  Handle
}

type GraphConfig struct {
	Name      string   `json:"name"`
	ModelPath string   `json:"modelPath"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
	State     int      `json:"state"`
}

func NewGraph(name string, inputs, outputs []string) *Graph {
	return &Graph{Name: name, Inputs: inputs, Outputs: outputs, State: UNREGISTERED}
}

func (g *Graph) New(rt Runtime) bool {
	g.runtime = rt
	g.State = REGISTERED
	return rt != nil
}

func (g *Graph) CheckConfig() GraphConfig {
	return GraphConfig{
		Name:      g.Name,
		ModelPath: g.ModelPath,
		Inputs:    g.Inputs,
		Outputs:   g.Outputs,
		State:     g.State,
	}
}

func (g *Graph) LoadModel(ctx context.Context, modelPath string) error {
	if g.State == UNREGISTERED || g.runtime == nil {
		return errdefs.Configurationf("engine.LoadModel", "graph %s has no runtime", g.Name)
	}
	h, err := g.runtime.Load(ctx, modelPath)
	if err != nil {
		return err
	}
	g.ModelPath = modelPath
	g.handle = h
	g.State = IDLE
	logger.Named("engine").Info("graph loaded",
		zap.String("graph", g.Name),
		zap.String("path", modelPath),
		zap.String("handle", string(h)))
	return nil
}

func (g *Graph) Destroy() {
	if g.State == IDLE && g.runtime != nil {
		if err := g.runtime.Release(g.handle); err != nil {
			logger.Named("engine").Warn("release graph", zap.String("graph", g.Name), zap.Error(err))
		}
	}
	g.ModelPath = ""
	g.handle = ""
	g.runtime = nil
	g.State = UNREGISTERED
}

// Run executes the graph; inputs are narrowed to the declared input names and
// only the declared outputs are fetched.
func (g *Graph) Run(ctx context.Context, inputs Tensors) (Tensors, error) {
	switch g.State {
	case UNREGISTERED:
		return nil, errdefs.Configurationf("engine.Run", "graph %s not registered", g.Name)
	case REGISTERED:
		return nil, errdefs.Configurationf("engine.Run", "graph %s not loaded", g.Name)
	}
	out, err := g.runtime.Run(ctx, g.handle, inputs.Select(g.Inputs), g.Outputs)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.Name, err)
	}
	return out, nil
}

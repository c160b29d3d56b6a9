package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FilamentDetServer/errdefs"

	"github.com/go-resty/resty/v2"
	"gorgonia.org/tensor"
)

// RemoteRuntime runs graphs on an HTTP inference service:
//
//	POST   /v1/graphs           multipart "graph" file   -> {"id": "..."}
//	POST   /v1/graphs/{id}/run  {"inputs": {...}, "outputs": [...]} -> {"outputs": {...}}
//	DELETE /v1/graphs/{id}
//
// The timeout bounds graph uploads and releases. Run is bounded only by the
// caller's context, so the predict timeout decides how long inference may take.
type RemoteRuntime struct {
	endpoint string
	timeout  time.Duration
	client   *resty.Client
}

// WireTensor is the JSON form of a tensor.
type WireTensor struct {
	Dtype string          `json:"dtype"`
	Shape []int           `json:"shape"`
	Data  json.RawMessage `json:"data"`
}

type loadResponse struct {
	ID string `json:"id"`
}

type runRequest struct {
	Inputs  map[string]WireTensor `json:"inputs"`
	Outputs []string              `json:"outputs"`
}

type runResponse struct {
	Outputs map[string]WireTensor `json:"outputs"`
}

func NewRemoteRuntime(endpoint string, timeout time.Duration) *RemoteRuntime {
	return &RemoteRuntime{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
		client:   resty.New(),
	}
}

func (r *RemoteRuntime) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RemoteRuntime) Load(ctx context.Context, path string) (Handle, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	var out loadResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFile("graph", path).
		SetResult(&out).
		Post(r.endpoint + "/v1/graphs")
	if err != nil {
		return "", errdefs.Resource("engine.RemoteRuntime.Load", fmt.Errorf("upload %s: %w", path, err))
	}
	if resp.IsError() {
		return "", errdefs.Resource("engine.RemoteRuntime.Load", fmt.Errorf("upload %s: %s: %s", path, resp.Status(), resp.String()))
	}
	if out.ID == "" {
		return "", errdefs.Resource("engine.RemoteRuntime.Load", fmt.Errorf("upload %s: empty graph id", path))
	}
	return Handle(out.ID), nil
}

func (r *RemoteRuntime) Run(ctx context.Context, h Handle, inputs Tensors, outputs []string) (Tensors, error) {
	req := runRequest{Inputs: make(map[string]WireTensor, len(inputs)), Outputs: outputs}
	for name, t := range inputs {
		w, err := Encode(t)
		if err != nil {
			return nil, errdefs.Configurationf("engine.RemoteRuntime.Run", "input %s: %w", name, err)
		}
		req.Inputs[name] = w
	}
	var out runResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("%s/v1/graphs/%s/run", r.endpoint, h))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.Resource("engine.RemoteRuntime.Run", ctxErr)
		}
		return nil, errdefs.Resource("engine.RemoteRuntime.Run", err)
	}
	if resp.IsError() {
		return nil, errdefs.Resource("engine.RemoteRuntime.Run", fmt.Errorf("%s: %s", resp.Status(), resp.String()))
	}
	result := make(Tensors, len(out.Outputs))
	for name, w := range out.Outputs {
		t, err := Decode(w)
		if err != nil {
			return nil, errdefs.Resource("engine.RemoteRuntime.Run", fmt.Errorf("output %s: %w", name, err))
		}
		result[name] = t
	}
	return result, nil
}

func (r *RemoteRuntime) Release(h Handle) error {
	ctx, cancel := r.bounded(context.Background())
	defer cancel()
	resp, err := r.client.R().SetContext(ctx).Delete(fmt.Sprintf("%s/v1/graphs/%s", r.endpoint, h))
	if err != nil {
		return errdefs.Resource("engine.RemoteRuntime.Release", err)
	}
	if resp.IsError() {
		return errdefs.Resource("engine.RemoteRuntime.Release", fmt.Errorf("%s", resp.Status()))
	}
	return nil
}

func Encode(t *tensor.Dense) (WireTensor, error) {
	var dtype string
	switch t.Data().(type) {
	case []float32, float32:
		dtype = "float32"
	case []int32, int32:
		dtype = "int32"
	case []int64, int64:
		dtype = "int64"
	case []uint8, uint8:
		dtype = "uint8"
	default:
		return WireTensor{}, fmt.Errorf("unsupported tensor element %T", t.Data())
	}
	data := t.Data()
	if b, ok := data.([]uint8); ok {
		// []byte would marshal as base64
		ints := make([]int, len(b))
		for i, v := range b {
			ints[i] = int(v)
		}
		data = ints
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return WireTensor{}, err
	}
	if t.IsScalar() {
		raw = append(append([]byte{'['}, raw...), ']')
	}
	return WireTensor{Dtype: dtype, Shape: []int(t.Shape()), Data: raw}, nil
}

func Decode(w WireTensor) (*tensor.Dense, error) {
	switch w.Dtype {
	case "float32":
		return decodeAs[float32](w)
	case "int32":
		return decodeAs[int32](w)
	case "int64":
		return decodeAs[int64](w)
	case "uint8":
		var ints []int
		if err := json.Unmarshal(w.Data, &ints); err != nil {
			return nil, err
		}
		b := make([]uint8, len(ints))
		for i, v := range ints {
			b[i] = uint8(v)
		}
		return build(b, w.Shape)
	}
	return nil, fmt.Errorf("unsupported dtype %q", w.Dtype)
}

func decodeAs[T element](w WireTensor) (*tensor.Dense, error) {
	var v []T
	if err := json.Unmarshal(w.Data, &v); err != nil {
		return nil, err
	}
	return build(v, w.Shape)
}

func build[T element](v []T, shape []int) (*tensor.Dense, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(v) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, size, len(v))
	}
	if len(shape) == 0 {
		return Scalar(v[0]), nil
	}
	return NewTensor(v, shape...), nil
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"FilamentDetServer/errdefs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService doubles every float32 input "x" into output "y".
type fakeService struct {
	mu     sync.Mutex
	graphs map[string]string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/graphs":
		file, _, err := r.FormFile("graph")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		id := fmt.Sprintf("g%d", len(f.graphs))
		f.graphs[id] = string(body)
		_ = json.NewEncoder(w).Encode(loadResponse{ID: id})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/run"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/graphs/"), "/run")
		if _, ok := f.graphs[id]; !ok {
			http.NotFound(w, r)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var xs []float32
		_ = json.Unmarshal(req.Inputs["x"].Data, &xs)
		for i := range xs {
			xs[i] *= 2
		}
		raw, _ := json.Marshal(xs)
		_ = json.NewEncoder(w).Encode(runResponse{Outputs: map[string]WireTensor{
			"y": {Dtype: "float32", Shape: req.Inputs["x"].Shape, Data: raw},
		}})
	case r.Method == http.MethodDelete:
		delete(f.graphs, strings.TrimPrefix(r.URL.Path, "/v1/graphs/"))
	default:
		http.NotFound(w, r)
	}
}

func writeGraph(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.pb")
	require.NoError(t, os.WriteFile(path, []byte("graph-bytes"), 0o644))
	return path
}

func TestGraph_All(t *testing.T) {
	svc := &fakeService{graphs: map[string]string{}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	g := NewGraph("predict", []string{"x"}, []string{"y"})
	ctx := context.Background()
	path := writeGraph(t)

	t.Run("Test Run before New", func(t *testing.T) {
		_, err := g.Run(ctx, Tensors{})
		assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	})

	t.Run("Test New", func(t *testing.T) {
		assert.True(t, g.New(NewRemoteRuntime(srv.URL, 5*time.Second)))
		assert.Equal(t, REGISTERED, g.State)
		_, err := g.Run(ctx, Tensors{})
		assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	})

	t.Run("Test LoadModel", func(t *testing.T) {
		require.NoError(t, g.LoadModel(ctx, path))
		cfg := g.CheckConfig()
		assert.Equal(t, IDLE, cfg.State)
		assert.Equal(t, path, cfg.ModelPath)
		assert.Equal(t, "graph-bytes", svc.graphs["g0"])
	})

	t.Run("Test Run", func(t *testing.T) {
		in := Tensors{
			"x":     NewTensor([]float32{1, 2, 3, 4}, 2, 2),
			"extra": Scalar[int32](7),
		}
		out, err := g.Run(ctx, in)
		require.NoError(t, err)
		y, shape, err := Get[float32]("test", out, "y")
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 4, 6, 8}, y)
		assert.Equal(t, []int{2, 2}, []int(shape))
	})

	t.Run("Test Destroy", func(t *testing.T) {
		g.Destroy()
		assert.Equal(t, UNREGISTERED, g.State)
		assert.Equal(t, "", g.ModelPath)
		assert.Empty(t, svc.graphs)
	})
}

func TestRemoteRuntimeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := NewRemoteRuntime(srv.URL, time.Second)
	_, err := rt.Load(context.Background(), writeGraph(t))
	assert.ErrorIs(t, err, errdefs.ErrResource)
	_, err = rt.Run(context.Background(), "g0", Tensors{}, []string{"y"})
	assert.ErrorIs(t, err, errdefs.ErrResource)
	assert.ErrorIs(t, rt.Release("g0"), errdefs.ErrResource)
}

func TestRemoteRuntimeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	rt := NewRemoteRuntime(srv.URL, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rt.Run(ctx, "g0", Tensors{"x": Scalar[float32](1)}, []string{"y"})
	assert.ErrorIs(t, err, errdefs.ErrResource)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteRuntimeRunOutlastsTimeout(t *testing.T) {
	svc := &fakeService{graphs: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			time.Sleep(200 * time.Millisecond)
		}
		svc.ServeHTTP(w, r)
	}))
	defer srv.Close()

	rt := NewRemoteRuntime(srv.URL, 50*time.Millisecond)
	h, err := rt.Load(context.Background(), writeGraph(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := rt.Run(ctx, h, Tensors{"x": NewTensor([]float32{1, 2}, 2)}, []string{"y"})
	require.NoError(t, err)
	y, _, err := Get[float32]("test", out, "y")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, y)
	assert.NoError(t, rt.Release(h))
}

func TestRemoteRuntimeLoadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	rt := NewRemoteRuntime(srv.URL, 50*time.Millisecond)
	_, err := rt.Load(context.Background(), writeGraph(t))
	assert.ErrorIs(t, err, errdefs.ErrResource)
}

func TestWireTensor(t *testing.T) {
	for _, d := range []Tensors{
		{"v": NewTensor([]float32{1.5, -2}, 2)},
		{"v": NewTensor([]int32{1, 2, 3, 4, 5, 6}, 2, 3)},
		{"v": NewTensor([]uint8{0, 255, 7}, 3, 1)},
		{"v": Scalar[int32](42)},
	} {
		w, err := Encode(d["v"])
		require.NoError(t, err)
		back, err := Decode(w)
		require.NoError(t, err)
		assert.Equal(t, d["v"].Data(), back.Data())
		assert.Equal(t, []int(d["v"].Shape()), []int(back.Shape()))
	}

	_, err := Decode(WireTensor{Dtype: "float32", Shape: []int{3}, Data: json.RawMessage(`[1, 2]`)})
	assert.Error(t, err)
	_, err = Decode(WireTensor{Dtype: "complex64", Data: json.RawMessage(`[]`)})
	assert.Error(t, err)
}

func TestCheckContract(t *testing.T) {
	ts := Tensors{"a": Scalar[int32](1), "b": Scalar[int32](2)}
	assert.NoError(t, CheckContract("op", "input", ts, []string{"a", "b"}))
	err := CheckContract("op", "output", ts, []string{"a", "c", "d"})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "c, d")
	assert.Equal(t, []string{"a", "b"}, ts.Names())
	assert.Len(t, ts.Select([]string{"b", "z"}), 1)
}

func TestGetScalar(t *testing.T) {
	ts := Tensors{
		"s": Scalar[float32](0.5),
		"v": NewTensor([]float32{1, 2}, 2),
		"i": Scalar[int32](3),
	}
	v, err := GetScalar[float32]("op", ts, "s")
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)

	_, err = GetScalar[float32]("op", ts, "v")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = GetScalar[float32]("op", ts, "i")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = GetScalar[float32]("op", ts, "missing")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	assert.Equal(t, []int{5, 4}, Squeeze([]int{1, 1, 5, 4}, 2))
}

package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FilamentDetServer/bundle"
	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockDetector struct {
	err error
}

func (m *MockDetector) Run(_ context.Context, requestID string, frames []iface.Frame) (pipeline.Report, error) {
	if m.err != nil {
		return pipeline.Report{}, m.err
	}
	records := make([]iface.FilamentRecord, 0, len(frames))
	for i, f := range frames {
		records = append(records, iface.FilamentRecord{
			ID:     i,
			Frame:  f.Index,
			Points: [2]iface.Point{{X: 0, Y: 0}, {X: f.Width - 1, Y: f.Height - 1}},
		})
	}
	return pipeline.Report{RequestID: requestID, Frames: len(frames), Records: records}, nil
}

func (m *MockDetector) Params() bundle.Parameters {
	return bundle.DefaultParameters()
}

const sidecar = `{
  "microtubule": [
    {"type": "seed", "start_x": 40.5, "start_y": 12, "end_x": 80, "end_y": 12, "group_id": 7},
    {"type": "seed", "start_x": 3, "start_y": 4, "end_x": 30, "end_y": 44, "group_id": 2}
  ]
}`

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer m.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func do(t *testing.T, h http.Handler, req *http.Request) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func multipartBody(t *testing.T, files map[string][][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, list := range files {
		for i, data := range list {
			part, err := w.CreateFormFile(name, name+string(rune('a'+i))+".png")
			require.NoError(t, err)
			_, err = part.Write(data)
			require.NoError(t, err)
		}
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestRoutes(t *testing.T) {
	router := NewServer(&MockDetector{}, Options{Model: "mock"}).Router()

	t.Run("Test Ping", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
	})

	t.Run("Test Model", func(t *testing.T) {
		code, env := do(t, router, httptest.NewRequest(http.MethodGet, "/api/model", nil))
		require.Equal(t, http.StatusOK, code)
		var info struct {
			Name    string   `json:"name"`
			Classes []string `json:"classes"`
			MaxDim  int      `json:"imageMaxDimension"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &info))
		assert.Equal(t, "mock", info.Name)
		assert.Equal(t, []string{"BG", "microtubule"}, info.Classes)
		assert.Equal(t, 512, info.MaxDim)
	})

	t.Run("Test Detect JSON", func(t *testing.T) {
		payload, _ := json.Marshal(detectBody{Images: []string{
			base64.StdEncoding.EncodeToString(pngBytes(t, 8, 6)),
			"???",
		}})
		req := httptest.NewRequest(http.MethodPost, "/api/detect", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		code, env := do(t, router, req)
		require.Equal(t, http.StatusOK, code, env.Error)

		var report pipeline.Report
		require.NoError(t, json.Unmarshal(env.Data, &report))
		assert.NotEmpty(t, report.RequestID)
		assert.Equal(t, 2, report.Frames)
		require.Len(t, report.Records, 1)
		assert.Equal(t, iface.Point{X: 7, Y: 5}, report.Records[0].Points[1])
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "frame 1")
	})

	t.Run("Test Detect Multipart", func(t *testing.T) {
		body, ct := multipartBody(t, map[string][][]byte{"images": {pngBytes(t, 4, 4), pngBytes(t, 10, 3)}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
		req.Header.Set("Content-Type", ct)
		code, env := do(t, router, req)
		require.Equal(t, http.StatusOK, code, env.Error)

		var report pipeline.Report
		require.NoError(t, json.Unmarshal(env.Data, &report))
		require.Len(t, report.Records, 2)
		assert.Equal(t, 1, report.Records[1].Frame)
		assert.Equal(t, iface.Point{X: 9, Y: 2}, report.Records[1].Points[1])
		assert.Empty(t, report.Errors)
	})

	t.Run("Test Detect Empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader(`{"images": []}`))
		req.Header.Set("Content-Type", "application/json")
		code, env := do(t, router, req)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.NotEmpty(t, env.Error)
	})

	t.Run("Test Masks", func(t *testing.T) {
		body, ct := multipartBody(t,
			map[string][][]byte{"image": {pngBytes(t, 90, 60)}, "annotation": {[]byte(sidecar)}},
			map[string]string{"thickness": "3"})
		req := httptest.NewRequest(http.MethodPost, "/api/masks", body)
		req.Header.Set("Content-Type", ct)
		code, env := do(t, router, req)
		require.Equal(t, http.StatusOK, code, env.Error)

		var out struct {
			Width  int         `json:"width"`
			Height int         `json:"height"`
			Masks  []maskPlane `json:"masks"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, 90, out.Width)
		assert.Equal(t, 60, out.Height)
		require.Len(t, out.Masks, 2)
		assert.Equal(t, 2, out.Masks[0].GroupID)
		assert.Equal(t, 7, out.Masks[1].GroupID)
		for _, m := range out.Masks {
			assert.Positive(t, m.Area)
			raw, err := base64.StdEncoding.DecodeString(m.PNG)
			require.NoError(t, err)
			img, err := gocv.IMDecode(raw, gocv.IMReadGrayScale)
			require.NoError(t, err)
			assert.Equal(t, m.Area, gocv.CountNonZero(img))
			img.Close()
		}
	})

	t.Run("Test Masks Bad Annotation", func(t *testing.T) {
		body, ct := multipartBody(t,
			map[string][][]byte{"image": {pngBytes(t, 20, 20)}, "annotation": {[]byte(`{}`)}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/masks", body)
		req.Header.Set("Content-Type", ct)
		code, _ := do(t, router, req)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("Test Masks Missing Image", func(t *testing.T) {
		body, ct := multipartBody(t, map[string][][]byte{"annotation": {[]byte(sidecar)}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/masks", body)
		req.Header.Set("Content-Type", ct)
		code, env := do(t, router, req)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, env.Error, "image")
	})

	t.Run("Test Metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "frames_processed_total")
	})
}

func TestDetectStatusCodes(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:         errdefs.Configurationf("x", "frame too large"),
		http.StatusServiceUnavailable: errdefs.Resource("x", errors.New("runtime down")),
		http.StatusGatewayTimeout:     errdefs.Resource("x", context.DeadlineExceeded),
	}
	for want, err := range cases {
		router := NewServer(&MockDetector{err: err}, Options{}).Router()
		payload, _ := json.Marshal(detectBody{Images: []string{base64.StdEncoding.EncodeToString(pngBytes(t, 2, 2))}})
		req := httptest.NewRequest(http.MethodPost, "/api/detect", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		code, env := do(t, router, req)
		assert.Equal(t, want, code, "%v", err)
		assert.NotEmpty(t, env.Error)
	}
}

func TestStream(t *testing.T) {
	ts := httptest.NewServer(NewServer(&MockDetector{}, Options{IdleTimeout: 5 * time.Second}).Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/detect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString(pngBytes(t, 6, 5)))))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Empty(t, env.Error)
	var report pipeline.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	require.Len(t, report.Records, 1)
	assert.Equal(t, iface.Point{X: 5, Y: 4}, report.Records[0].Points[1])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an image")))
	env = envelope{}
	require.NoError(t, conn.ReadJSON(&env))
	assert.NotEmpty(t, env.Error)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	env = envelope{}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "unsupported message type", env.Error)
}

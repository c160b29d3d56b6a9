package web

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"FilamentDetServer/annotation"
	"FilamentDetServer/bundle"
	"FilamentDetServer/errdefs"
	"FilamentDetServer/frame"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/logger"
	"FilamentDetServer/mask"
	"FilamentDetServer/monitor"
	"FilamentDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxUpload = 64 << 20

// Detector is what the HTTP API needs from a loaded pipeline.
type Detector interface {
	Run(ctx context.Context, requestID string, frames []iface.Frame) (pipeline.Report, error)
	Params() bundle.Parameters
}

type Options struct {
	Model         string
	DatasetKey    string
	LineThickness int
	// IdleTimeout closes a websocket session without traffic.
	IdleTimeout time.Duration
}

type Server struct {
	detector Detector
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type detectBody struct {
	Images []string `json:"images"`
}

type maskPlane struct {
	Index   int    `json:"index"`
	GroupID int    `json:"groupId"`
	Area    int    `json:"area"`
	PNG     string `json:"png"`
}

func NewServer(detector Detector, opts Options) *Server {
	if opts.DatasetKey == "" {
		opts.DatasetKey = annotation.DefaultKey
	}
	if opts.LineThickness <= 0 {
		opts.LineThickness = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	return &Server{
		detector: detector,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.Named("web"),
	}
}

// Router builds the gin engine with every route of the API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.MaxMultipartMemory = maxUpload

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/model", s.model)
	r.POST("/api/detect", s.detect)
	r.POST("/api/masks", s.masks)
	r.GET("/ws/detect", s.stream)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) model(c *gin.Context) {
	p := s.detector.Params()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"name":              s.opts.Model,
		"classes":           p.ClassNames,
		"imageMaxDimension": p.ImageMaxDimension,
		"imageMinDimension": p.ImageMinDimension,
	}})
}

// detect accepts multipart "images" files or a JSON body {"images": [base64...]}.
func (s *Server) detect(c *gin.Context) {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportHTTP).Inc()
	frames, skipped, err := s.readFrames(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(frames)+len(skipped) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no images in request"})
		return
	}

	report, err := s.detector.Run(c.Request.Context(), uuid.NewString(), frames)
	if err != nil {
		s.log.Error("detect failed", zap.Error(err))
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	report.Frames = len(frames) + len(skipped)
	report.Errors = append(skipped, report.Errors...)
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) readFrames(c *gin.Context) ([]iface.Frame, []string, error) {
	var (
		frames  []iface.Frame
		skipped []string
	)
	add := func(f iface.Frame, err error) {
		if err != nil {
			skipped = append(skipped, err.Error())
			return
		}
		frames = append(frames, f)
	}

	if c.ContentType() == gin.MIMEJSON {
		var body detectBody
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, nil, err
		}
		for i, img := range body.Images {
			add(frame.DecodeBase64(i, img))
		}
		return frames, skipped, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}
	for i, fh := range form.File["images"] {
		data, err := readFile(fh)
		if err != nil {
			return nil, nil, err
		}
		add(frame.Decode(i, data))
	}
	return frames, skipped, nil
}

// masks rasterizes the instance masks of an uploaded "image" and its
// "annotation" sidecar. Optional form values: key, thickness.
func (s *Server) masks(c *gin.Context) {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportHTTP).Inc()
	image, err := formFile(c, "image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sidecar, err := formFile(c, "annotation")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := c.DefaultPostForm("key", s.opts.DatasetKey)
	thickness := s.opts.LineThickness
	if v := c.PostForm("thickness"); v != "" {
		if thickness, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thickness"})
			return
		}
	}

	sample, err := annotation.DecodeSample(0, image, sidecar, key, thickness)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	planes := make([]maskPlane, 0, sample.Masks.Len())
	for i, p := range sample.Masks.Planes {
		png, err := mask.EncodePNG(p)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		planes = append(planes, maskPlane{
			Index:   i,
			GroupID: sample.Lines[i].GroupID,
			Area:    p.Count(),
			PNG:     base64.StdEncoding.EncodeToString(png),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"width":  sample.Masks.Width,
		"height": sample.Masks.Height,
		"masks":  planes,
	}})
}

// stream runs detection on every text message (a base64 image) of a
// websocket session and answers with the report as JSON.
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxUpload)
	session := uuid.NewString()
	s.log.Info("websocket session opened", zap.String("session", session))

	for index := 0; ; index++ {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("websocket session closed", zap.String("session", session), zap.Error(err))
			return
		}
		if mt != websocket.TextMessage {
			_ = conn.WriteJSON(gin.H{"error": "unsupported message type"})
			continue
		}
		monitor.RequestsTotal.WithLabelValues(monitor.TransportHTTP).Inc()
		f, err := frame.DecodeBase64(index, string(msg))
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			continue
		}
		report, err := s.detector.Run(c.Request.Context(), session, []iface.Frame{f})
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			continue
		}
		if err := conn.WriteJSON(gin.H{"data": report}); err != nil {
			return
		}
	}
}

func formFile(c *gin.Context, name string) ([]byte, error) {
	fh, err := c.FormFile(name)
	if err != nil {
		return nil, errors.New("missing form file " + name)
	}
	return readFile(fh)
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errdefs.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

// Serve runs the router on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errdefs.Resource("web.Serve", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

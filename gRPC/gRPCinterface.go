package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"FilamentDetServer/bundle"
	"FilamentDetServer/errdefs"
	"FilamentDetServer/frame"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/logger"
	"FilamentDetServer/monitor"
	"FilamentDetServer/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "filament.v1.FilamentService"

// Detector is what the service needs from a loaded pipeline.
type Detector interface {
	Run(ctx context.Context, requestID string, frames []iface.Frame) (pipeline.Report, error)
	Params() bundle.Parameters
}

// DetectRequest is carried as a google.protobuf.Struct: {"images": [base64...]}.
type DetectRequest struct {
	Images []string `json:"images"`
}

// ModelInfo describes the loaded model bundle.
type ModelInfo struct {
	Name    string   `json:"name"`
	Classes []string `json:"classes"`
	MaxDim  int      `json:"imageMaxDimension"`
}

type JobPackage struct {
	ctx       context.Context
	requestID string
	images    []string
	Result    chan jobResult
}

type jobResult struct {
	report pipeline.Report
	err    error
}

// Server implements FilamentServiceServer on top of a Detector. Requests are
// queued to a fixed set of workers.
type Server struct {
	detector     Detector
	model        string
	JobQueue     chan JobPackage
	CloseChannel chan bool
	log          *zap.Logger
}

func NewServer(detector Detector, model string, queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Server{
		detector:     detector,
		model:        model,
		JobQueue:     make(chan JobPackage, queueSize),
		CloseChannel: make(chan bool, 1),
		log:          logger.Named("grpc"),
	}
}

func (s *Server) StartWorker(workerNum int) {
	for i := 0; i < workerNum; i++ {
		go s.runWorker(i)
	}
}

func (s *Server) runWorker(workerID int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panic, restarting in 1s", zap.Int("worker", workerID), zap.Any("panic", r))
			//重启这个 Worker
			time.Sleep(1 * time.Second)
			go s.runWorker(workerID)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.log.Info("worker created", zap.Int("worker", workerID))
	for job := range s.JobQueue {
		s.handle(job)
	}
}

func (s *Server) handle(job JobPackage) {
	var res jobResult
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{err: errdefs.Resource("grpc.worker", fmt.Errorf("panic: %v", r))}
		}
		job.Result <- res
	}()
	frames := make([]iface.Frame, 0, len(job.images))
	var skipped []string
	for i, img := range job.images {
		f, err := frame.DecodeBase64(i, img)
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		frames = append(frames, f)
	}
	res.report, res.err = s.detector.Run(job.ctx, job.requestID, frames)
	if res.err == nil {
		res.report.Frames = len(job.images)
		res.report.Errors = append(skipped, res.report.Errors...)
	}
}

func (s *Server) Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportGRPC).Inc()
	var in DetectRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if len(in.Images) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no images in request")
	}

	id := uuid.NewString()
	result := make(chan jobResult, 1)
	select {
	case s.JobQueue <- JobPackage{ctx: ctx, requestID: id, images: in.Images, Result: result}:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	var res jobResult
	select {
	case res = <-result:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	if res.err != nil {
		s.log.Error("detect failed", zap.String("requestId", id), zap.Error(res.err))
		return nil, toStatus(res.err)
	}
	s.log.Info("detect done",
		zap.String("requestId", id),
		zap.Int("frames", res.report.Frames),
		zap.Int("filaments", len(res.report.Records)))
	return toStruct(res.report)
}

func (s *Server) Model(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportGRPC).Inc()
	p := s.detector.Params()
	return toStruct(ModelInfo{Name: s.model, Classes: p.ClassNames, MaxDim: p.ImageMaxDimension})
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportGRPC).Inc()
	s.log.Warn("shutdown requested")
	select {
	case s.CloseChannel <- true:
	default:
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps error kinds onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, errdefs.ErrConfiguration):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errdefs.ErrData):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// StartGRPCServer serves the filament and health services on lis. The server
// stops when GracefulStop is called.
func StartGRPCServer(lis net.Listener, srv *Server) *grpc.Server {
	s := grpc.NewServer()
	RegisterFilamentServiceServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	go func() {
		srv.log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			srv.log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s
}

// Listen opens the TCP listener for StartGRPCServer.
func Listen(port int) (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errdefs.Resource("grpc.Listen", err)
	}
	return lis, nil
}

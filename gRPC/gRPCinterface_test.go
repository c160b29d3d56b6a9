package proto

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"FilamentDetServer/bundle"
	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

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
			Points: [2]iface.Point{{X: 1, Y: 2}, {X: f.Width - 1, Y: f.Height - 1}},
		})
	}
	return pipeline.Report{RequestID: requestID, Frames: len(frames), Records: records}, nil
}

func (m *MockDetector) Params() bundle.Parameters {
	return bundle.DefaultParameters()
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer m.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	require.NoError(t, err)
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes())
}

func startServer(t *testing.T, det Detector) (*FilamentServiceClient, *grpc.ClientConn, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(det, "mock", 4)
	srv.StartWorker(2)
	gs := StartGRPCServer(lis, srv)
	t.Cleanup(func() {
		gs.GracefulStop()
		close(srv.JobQueue)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewFilamentServiceClient(conn), conn, srv
}

func detectRequest(t *testing.T, images ...string) *structpb.Struct {
	t.Helper()
	list := make([]any, len(images))
	for i, img := range images {
		list[i] = img
	}
	req, err := structpb.NewStruct(map[string]any{"images": list})
	require.NoError(t, err)
	return req
}

func TestMockEngine(t *testing.T) {
	det := &MockDetector{}
	client, conn, srv := startServer(t, det)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("Test Detect", func(t *testing.T) {
		resp, err := client.Detect(ctx, detectRequest(t, pngBase64(t, 8, 6), "not-base64!", pngBase64(t, 4, 4)))
		require.NoError(t, err)

		var report pipeline.Report
		require.NoError(t, fromStruct(resp, &report))
		assert.NotEmpty(t, report.RequestID)
		assert.Equal(t, 3, report.Frames)
		require.Len(t, report.Records, 2)
		assert.Equal(t, iface.Point{X: 7, Y: 5}, report.Records[0].Points[1])
		assert.Equal(t, 2, report.Records[1].Frame)
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "frame 1")
	})

	t.Run("Test Detect Empty", func(t *testing.T) {
		_, err := client.Detect(ctx, detectRequest(t))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test Model", func(t *testing.T) {
		resp, err := client.Model(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		var info ModelInfo
		require.NoError(t, fromStruct(resp, &info))
		assert.Equal(t, "mock", info.Name)
		assert.Equal(t, []string{"BG", "microtubule"}, info.Classes)
		assert.Equal(t, 512, info.MaxDim)
	})

	t.Run("Test Health", func(t *testing.T) {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	})

	t.Run("Test Shutdown", func(t *testing.T) {
		_, err := client.Shutdown(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		select {
		case <-srv.CloseChannel:
		case <-time.After(time.Second):
			t.Fatal("shutdown not signalled")
		}
	})
}

func TestDetectErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{errdefs.Configurationf("x", "bad graph"), codes.FailedPrecondition},
		{errdefs.Resource("x", errors.New("runtime down")), codes.Unavailable},
		{errdefs.Resource("x", context.DeadlineExceeded), codes.DeadlineExceeded},
	}
	for _, c := range cases {
		client, _, _ := startServer(t, &MockDetector{err: c.err})
		_, err := client.Detect(context.Background(), detectRequest(t, pngBase64(t, 2, 2)))
		assert.Equal(t, c.code, status.Code(err), "%v", c.err)
	}
}

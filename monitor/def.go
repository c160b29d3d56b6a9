package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"FilamentDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
	TransportCLI  = "cli"
)

var (
	PID      process.Process
	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge

	RequestsTotal  *prometheus.CounterVec
	FramesTotal    prometheus.Counter
	FilamentsTotal prometheus.Counter
	ErrorsTotal    *prometheus.CounterVec
	StageSeconds   *prometheus.HistogramVec

	registry *prometheus.Registry
)

func init() {
	registry = prometheus.NewRegistry()
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_requests_total",
		Help: "Total number of detection requests by transport",
	}, []string{"transport"})
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of frames run through the pipeline",
	})
	FilamentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filaments_extracted_total",
		Help: "Total number of filament records emitted",
	})
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Pipeline errors by kind",
	}, []string{"kind"})
	StageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_duration_seconds",
		Help:    "Time spent per batch in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	registry.MustRegister(memUsage, cpuUsage, RequestsTotal, FramesTotal, FilamentsTotal, ErrorsTotal, StageSeconds)
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// ObserveStage records how long a stage took for one batch.
func ObserveStage(stage string, start time.Time) {
	StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func prom(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Named("monitor").Error("prometheus server ListenAndServe", zap.Error(err))
		}
	}()
	return srv
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err != nil {
		return
	}
	var MemMB = MemInfo.RSS / 1024 / 1024
	CPUPercent, _ := PID.CPUPercent()
	CPUPercentFloat := math.Round(CPUPercent*100) / 100
	memUsage.Set(float64(MemMB))
	cpuUsage.Set(CPUPercentFloat)
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples process usage until ctx ends.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	srv := prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Named("monitor").Error("prometheus server Shutdown", zap.Error(err))
	}
}

package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandler(t *testing.T) {
	RequestsTotal.WithLabelValues(TransportHTTP).Inc()
	FramesTotal.Add(3)
	FilamentsTotal.Inc()
	ErrorsTotal.WithLabelValues("data").Inc()
	ObserveStage("predict", time.Now().Add(-10*time.Millisecond))

	body := scrape(t)
	assert.Contains(t, body, `detect_requests_total{transport="http"}`)
	assert.Contains(t, body, "frames_processed_total")
	assert.Contains(t, body, "filaments_extracted_total")
	assert.Contains(t, body, `pipeline_errors_total{kind="data"}`)
	assert.Contains(t, body, `stage_duration_seconds_count{stage="predict"} 1`)
	assert.Contains(t, body, "memory_usage_Megabytes")
}

func TestStartMonStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartMon(0, ctx)
		close(done)
	}()
	time.Sleep(600 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StartMon did not return after cancel")
	}
	assert.NotZero(t, PID.Pid)
}

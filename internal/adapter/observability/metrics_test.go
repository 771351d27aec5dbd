package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var initOnce sync.Once

func initMetricsOnce() {
	initOnce.Do(InitMetrics)
}

func TestInitMetrics_RegistersOnce(t *testing.T) {
	initMetricsOnce()
	// Helpers must not panic after registration.
	EnqueueJob("file-analysis")
	StartProcessingJob("file-analysis")
	CompleteJob("file-analysis")
	StartProcessingJob("file-analysis")
	FailJob("file-analysis")
	StartProcessingJob("file-analysis")
	RequeueJob("file-analysis")
	ObserveJobDuration("file-analysis", 120*time.Millisecond)
	SetPermitsInUse(7)
	RecordPermitAcquire("file-analysis", "ok")
	RecordBreakerState("llm", 1)
	RecordOutboxEvent("poi-batch", "PROCESSED")
	RecordLLMRequest("extract_pois", "ok", 900*time.Millisecond)
	RecordReconciliation("VALIDATED")
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	initMetricsOnce()
	h := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

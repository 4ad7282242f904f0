package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

func TestBatchObserver(t *testing.T) {
	target := schema.NewTableTarget("metrics_topic", "ks", "t")
	obs := BatchObserver{}

	obs.BatchDone(target, 3, 10*time.Millisecond, nil)
	obs.BatchDone(target, 1, time.Millisecond, errors.New("boom"))
	obs.InFlight(2)

	assert.InDelta(t, 1, testutil.ToFloat64(BatchesTotal.WithLabelValues(target.String(), OutcomeOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(BatchesTotal.WithLabelValues(target.String(), OutcomeFailed)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(BatchesInFlight), 0)
}

func TestRecordDone(t *testing.T) {
	RecordDone("records_topic", nil)
	RecordDone("records_topic", nil)
	RecordDone("records_topic", errors.New("boom"))

	assert.InDelta(t, 2, testutil.ToFloat64(RecordsTotal.WithLabelValues("records_topic", OutcomeOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(RecordsTotal.WithLabelValues("records_topic", OutcomeFailed)), 0)
}

func TestMetricsHandler(t *testing.T) {
	RegisterQueueGauges(func() float64 { return 7 }, func() float64 { return 9 })
	RegisterQueueGauges(func() float64 { return 1 }, func() float64 { return 2 })

	h := InstrumentHTTP(MetricsHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sink_queue_queued 1")
	assert.Contains(t, rec.Body.String(), "sink_queue_pending 2")
}

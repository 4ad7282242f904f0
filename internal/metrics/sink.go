package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

//nolint:gochecknoglobals // collectors
var (
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sink",
			Subsystem: "batch",
			Name:      "executed_total",
			Help:      "Total batches executed, by table and outcome.",
		},
		[]string{"table", "outcome"},
	)
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sink",
			Subsystem: "batch",
			Name:      "statements",
			Help:      "Number of statements per executed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"table"},
	)
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sink",
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch execution latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table"},
	)
	BatchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sink",
			Subsystem: "batch",
			Name:      "in_flight",
			Help:      "Batches currently executing.",
		},
	)
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sink",
			Subsystem: "records",
			Name:      "total",
			Help:      "Total records reported, by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sink",
			Subsystem: "records",
			Name:      "dead_letters_total",
			Help:      "Total records written to the dead-letter table.",
		},
		[]string{"topic"},
	)
)

// BatchObserver exports batch lifecycle events.
type BatchObserver struct{}

func (BatchObserver) BatchDone(table schema.TableTarget, size int, took time.Duration, err error) {
	name := table.String()
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}

	BatchesTotal.WithLabelValues(name, outcome).Inc()
	BatchSize.WithLabelValues(name).Observe(float64(size))
	BatchDuration.WithLabelValues(name).Observe(took.Seconds())
}

func (BatchObserver) InFlight(n int64) {
	BatchesInFlight.Set(float64(n))
}

// RecordDone counts one reported record.
func RecordDone(topic string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	RecordsTotal.WithLabelValues(topic, outcome).Inc()
}

// RegisterQueueGauges exposes the queue state read from the given functions. It
// replaces gauges registered by an earlier call.
func RegisterQueueGauges(queued, pending func() float64) {
	for _, g := range []struct {
		name, help string
		fn         func() float64
	}{
		{"queued", "Statements waiting in the processor queue.", queued},
		{"pending", "Statements accepted but not completed yet.", pending},
	} {
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{ //nolint:exhaustruct // optional labels
			Namespace: "sink",
			Subsystem: "queue",
			Name:      g.name,
			Help:      g.help,
		}, g.fn)
		Registry.Unregister(c)
		Registry.MustRegister(c)
	}
}

// DeadLetterAdded counts one record written to the dead-letter table.
func DeadLetterAdded(topic string) {
	DeadLettersTotal.WithLabelValues(topic).Inc()
}

// Package metrics exposes Prometheus metrics for the pipelines and the
// HTTP surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

const namespace = "docchat"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "route"},
	)

	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Ingestion outcomes by final or failing stage",
		},
		[]string{"stage", "outcome"},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Ingestion pipeline duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	AnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "answer",
			Name:      "turns_total",
			Help:      "Answer pipeline outcomes by exchange status",
		},
		[]string{"status"},
	)

	AnswerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "answer",
			Name:      "duration_seconds",
			Help:      "Answer pipeline duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	EmbeddingBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batch_duration_seconds",
			Help:      "Embedding batch call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	IndexQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "query_duration_seconds",
			Help:      "Vector index query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"outcome"},
	)

	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for conversation locks",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request
func RecordRequest(method, route, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(durationSec)
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Observer implements ports.PipelineObserver on the package metrics.
type Observer struct{}

func (Observer) IngestionFinished(stage entities.IngestionStage, ok bool, seconds float64) {
	IngestionsTotal.WithLabelValues(string(stage), outcome(ok)).Inc()
	IngestionDuration.Observe(seconds)
}

func (Observer) AnswerFinished(status entities.ExchangeStatus, seconds float64) {
	AnswersTotal.WithLabelValues(string(status)).Inc()
	AnswerDuration.Observe(seconds)
}

func (Observer) EmbeddingBatch(ok bool, seconds float64) {
	EmbeddingBatchDuration.WithLabelValues(outcome(ok)).Observe(seconds)
}

func (Observer) LockWait(kind string, seconds float64) {
	LockWaitDuration.WithLabelValues(kind).Observe(seconds)
}

// InstrumentedIndex times Query calls of the wrapped index.
type InstrumentedIndex struct {
	ports.VectorIndex
}

// InstrumentIndex wraps idx with query latency metrics.
func InstrumentIndex(idx ports.VectorIndex) *InstrumentedIndex {
	return &InstrumentedIndex{VectorIndex: idx}
}

func (i *InstrumentedIndex) Query(ctx context.Context, conversationID string, vector []float32, k int) ([]entities.ScoredChunk, error) {
	start := time.Now()
	res, err := i.VectorIndex.Query(ctx, conversationID, vector, k)
	IndexQueryDuration.WithLabelValues(outcome(err == nil)).Observe(time.Since(start).Seconds())
	return res, err
}

var (
	_ ports.PipelineObserver = Observer{}
	_ ports.VectorIndex      = (*InstrumentedIndex)(nil)
)

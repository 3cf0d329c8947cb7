package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// QueryMetrics holds all Prometheus metrics for story queries.
// Each process registers them on its own registry, which a one-shot run
// writes to a node-exporter textfile on exit.
type QueryMetrics struct {
	Registry *prometheus.Registry

	QueriesTotal   *prometheus.CounterVec
	ChunksReturned prometheus.Counter
	EventsRendered prometheus.Counter
	ReadDuration   prometheus.Histogram
	ChunksSynced   prometheus.Counter
}

// NewQueryMetrics initializes and registers the Prometheus metrics.
func NewQueryMetrics() *QueryMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &QueryMetrics{
		Registry: reg,
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chrono_reader",
			Subsystem: "query",
			Name:      "queries_total",
			Help:      "Total number of story queries by status.",
		}, []string{"status"}), // status: ok, invalid, unavailable, read_error, interrupted
		ChunksReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chrono_reader",
			Subsystem: "query",
			Name:      "chunks_returned_total",
			Help:      "Total number of chunks returned by the archive.",
		}),
		EventsRendered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chrono_reader",
			Subsystem: "query",
			Name:      "events_rendered_total",
			Help:      "Total number of events written to the output.",
		}),
		ReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chrono_reader",
			Subsystem: "query",
			Name:      "read_duration_seconds",
			Help:      "Duration of blocking archive reads.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ChunksSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chrono_reader",
			Subsystem: "sync",
			Name:      "chunks_synced_total",
			Help:      "Total number of chunks copied into the SQL archive.",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chrono_reader",
		Subsystem: "query",
		Name:      "live_chunks",
		Help:      "Chunks allocated and not yet released.",
	}, func() float64 { return float64(domain.LiveChunks()) })

	return m
}

// WriteTextfile writes the current metric values to path. Empty path is a no-op.
func (m *QueryMetrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ImportsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_started_total", Help: "Import jobs started"})
	ImportsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_completed_total", Help: "Import jobs that reached complete"})
	ImportsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_failed_total", Help: "Import jobs that reached failed"})
	RowsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_created_total", Help: "Product rows created by imports"})
	RowsUpdated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_updated_total", Help: "Product rows updated by imports"})
	RowsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_skipped_total", Help: "Rows skipped by imports"})
	ChunksProcessed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_chunks_processed_total", Help: "Chunks processed (success or failure)"})
	ChunkRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_chunk_retries_total", Help: "Chunk write retries after transient storage errors"})
	ChunksFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_chunks_failed_total", Help: "Chunks degraded to skipped"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	ImportsInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_inflight", Help: "Imports currently running"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "import_queue_depth", Help: "Import jobs waiting in the ready queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ImportsStarted,
			ImportsCompleted,
			ImportsFailed,
			RowsCreated,
			RowsUpdated,
			RowsSkipped,
			ChunksProcessed,
			ChunkRetries,
			ChunksFailed,
			RateLimitRejects,
			ImportsInFlight,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}

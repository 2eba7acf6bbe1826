// Package metrics records engine events as Prometheus metrics. The CLI is
// short-lived, so the registry is written to a node-exporter textfile at
// the end of every command instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/johndauphine/mention-anonymizer/internal/action"
	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// Recorder implements action.Observer on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	chunks        *prometheus.CounterVec
	rows          prometheus.Counter
	requests      *prometheus.CounterVec
	shrinks       prometheus.Counter
	chunkSize     prometheus.Gauge
	actions       *prometheus.CounterVec
	slices        *prometheus.CounterVec
	sliceDuration prometheus.Histogram
	lastRun       prometheus.Gauge
}

var _ action.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder with every metric registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_chunks_total",
			Help: "Chunks executed by status.",
		}, []string{"status"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anonymizer_rows_rewritten_total",
			Help: "Rows rewritten by committed chunks.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_requests_total",
			Help: "Requests finished by result.",
		}, []string{"result"}), // completed, skipped
		shrinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anonymizer_chunk_shrinks_total",
			Help: "Chunk size reductions after lost connections.",
		}),
		chunkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anonymizer_chunk_size",
			Help: "Chunk size of the latest chunk.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_actions_total",
			Help: "Actions reaching a terminal status.",
		}, []string{"status"}),
		slices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_slices_total",
			Help: "Time slices by outcome.",
		}, []string{"outcome"}),
		sliceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anonymizer_slice_duration_seconds",
			Help:    "Wall time of one time slice.",
			Buckets: prometheus.DefBuckets,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anonymizer_last_run_timestamp_seconds",
			Help: "Unix time of the latest command.",
		}),
	}

	registry.MustRegister(r.chunks, r.rows, r.requests, r.shrinks, r.chunkSize,
		r.actions, r.slices, r.sliceDuration, r.lastRun)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) OnChunk(_ plan.Request, res chunk.Result, chunkSize int) {
	r.chunks.WithLabelValues(res.Status.String()).Inc()
	r.chunkSize.Set(float64(chunkSize))
	if res.Status == chunk.Ok {
		r.rows.Add(float64(res.Rows))
	}
}

func (r *Recorder) OnRequestDone(_ plan.Request, skipped bool, _ error) {
	if skipped {
		r.requests.WithLabelValues("skipped").Inc()
		return
	}
	r.requests.WithLabelValues("completed").Inc()
}

func (r *Recorder) OnShrink(_ string, _, to int) {
	r.shrinks.Inc()
	r.chunkSize.Set(float64(to))
}

func (r *Recorder) OnFinish(_ string, status checkpoint.Status, _ checkpoint.Summary) {
	r.actions.WithLabelValues(string(status)).Inc()
}

// ObserveSlice records one ExecuteAction call.
func (r *Recorder) ObserveSlice(outcome action.Outcome, elapsed time.Duration) {
	r.slices.WithLabelValues(outcome.String()).Inc()
	r.sliceDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes the registry in the text exposition format. The
// file is replaced atomically. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	r.lastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, r.registry)
}

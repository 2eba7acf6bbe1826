package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// ProgressUpdate represents a JSON progress update for automation.
type ProgressUpdate struct {
	Timestamp      string  `json:"timestamp"`
	Phase          string  `json:"phase"`
	TaskKey        string  `json:"task_key"`
	RequestsDone   int     `json:"requests_done"`
	RequestsTotal  int     `json:"requests_total"`
	Skipped        int     `json:"skipped,omitempty"`
	Rows           int     `json:"rows"`
	ChunkSize      int     `json:"chunk_size,omitempty"`
	CurrentRequest string  `json:"current_request,omitempty"`
	Cursor         int     `json:"cursor,omitempty"`
	ProgressPct    float64 `json:"progress_pct"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update to the writer.
// Updates are throttled based on the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for important state changes like phase transitions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}

// ReportingObserver turns engine events into ProgressUpdates.
type ReportingObserver struct {
	reporter Reporter
	mu       sync.Mutex
	update   ProgressUpdate
}

// NewReportingObserver creates an observer reporting progress of taskKey.
func NewReportingObserver(r Reporter, taskKey string) *ReportingObserver {
	o := &ReportingObserver{reporter: r}
	o.update.TaskKey = taskKey
	o.update.Phase = "running"
	return o
}

// Start seeds the running totals from state and reports them.
func (o *ReportingObserver) Start(state *checkpoint.ActionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state != nil {
		sum := state.Summarize()
		o.update.RequestsTotal = sum.Total
		o.update.RequestsDone = sum.Completed + sum.Skipped
		o.update.Skipped = sum.Skipped
		o.update.ChunkSize = state.ChunkSize
	}
	o.update.ProgressPct = o.pct()
	o.reporter.ReportImmediate(o.update)
}

func (o *ReportingObserver) pct() float64 {
	if o.update.RequestsTotal == 0 {
		return 100
	}
	return float64(o.update.RequestsDone) * 100 / float64(o.update.RequestsTotal)
}

func (o *ReportingObserver) OnChunk(req plan.Request, res chunk.Result, chunkSize int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update.CurrentRequest = req.Name
	o.update.Cursor = res.Cursor
	o.update.ChunkSize = chunkSize
	if res.Status == chunk.Ok {
		o.update.Rows += res.Rows
	}
	o.reporter.Report(o.update)
}

func (o *ReportingObserver) OnRequestDone(req plan.Request, skipped bool, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update.RequestsDone++
	if skipped {
		o.update.Skipped++
	}
	o.update.CurrentRequest = req.Name
	o.update.ProgressPct = o.pct()
	o.reporter.ReportImmediate(o.update)
}

func (o *ReportingObserver) OnShrink(_ string, _, to int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update.ChunkSize = to
	o.update.Phase = "shrinking"
	o.reporter.ReportImmediate(o.update)
	o.update.Phase = "running"
}

func (o *ReportingObserver) OnFinish(_ string, status checkpoint.Status, sum checkpoint.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update.Phase = string(status)
	o.update.RequestsTotal = sum.Total
	o.update.RequestsDone = sum.Completed + sum.Skipped
	o.update.Skipped = sum.Skipped
	o.update.CurrentRequest = ""
	o.update.Cursor = 0
	o.update.ProgressPct = o.pct()
	o.reporter.ReportImmediate(o.update)
}

// Phase emits a phase change such as "timed_out" or "awaiting_retry".
func (o *ReportingObserver) Phase(phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.update.Phase = phase
	o.reporter.ReportImmediate(o.update)
}

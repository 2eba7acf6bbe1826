package orchestrator

import (
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/stats"
)

// SliceResult summarizes a step or run command for JSON output.
type SliceResult struct {
	RunID           string  `json:"run_id"`
	TaskKey         string  `json:"task_key"`
	Outcome         string  `json:"outcome"`
	Status          string  `json:"status,omitempty"`
	Slices          int     `json:"slices"`
	Chunks          int     `json:"chunks"`
	Rows            int     `json:"rows"`
	Skipped         int     `json:"skipped_requests"`
	ChunkSize       int     `json:"chunk_size"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PlanResult lists the requests an action would run.
type PlanResult struct {
	TaskKey  string           `json:"task_key"`
	Requests []PlannedRequest `json:"requests"`

	// TotalRows is the sum of Rows when matching rows were counted.
	TotalRows int64 `json:"total_rows,omitempty"`
}

// PlannedRequest is one request of a plan. SQL is left out unless
// verbose output was asked for because it embeds the subject's name.
type PlannedRequest struct {
	Name    string   `json:"name"`
	Key     string   `json:"key"`
	Updates int      `json:"updates"`
	Rows    *int64   `json:"rows,omitempty"`
	Select  string   `json:"select,omitempty"`
	SQL     []string `json:"sql,omitempty"`
}

// StatusResult is the machine-readable status of one action.
type StatusResult struct {
	TaskKey   string                  `json:"task_key"`
	Status    string                  `json:"status"`
	RunID     string                  `json:"run_id,omitempty"`
	ChunkSize int                     `json:"chunk_size,omitempty"`
	PlannedAt *time.Time              `json:"planned_at,omitempty"`
	UpdatedAt *time.Time              `json:"updated_at,omitempty"`
	Summary   checkpoint.Summary      `json:"summary"`
	User      string                  `json:"current_user,omitempty"`
	Requests  []RequestStatus         `json:"requests,omitempty"`
	State     *checkpoint.ActionState `json:"-"`
}

// RequestStatus is the progress of one planned request.
type RequestStatus struct {
	Name    string `json:"name"`
	Cursor  int    `json:"cursor"`
	Done    bool   `json:"done"`
	Skipped bool   `json:"skipped"`
}

// HealthCheckResult contains connectivity test results.
type HealthCheckResult struct {
	Timestamp      string           `json:"timestamp"`
	Healthy        bool             `json:"healthy"`
	DBType         string           `json:"db_type"`
	DBConnected    bool             `json:"db_connected"`
	DBLatencyMs    int64            `json:"db_latency_ms"`
	DBError        string           `json:"db_error,omitempty"`
	Pool           *stats.PoolStats `json:"pool,omitempty"`
	TablesChecked  int              `json:"tables_checked"`
	SchemaErrors   []string         `json:"schema_errors,omitempty"`
	StateBackend   string           `json:"state_backend"`
	StateReachable bool             `json:"state_reachable"`
	StateLatencyMs int64            `json:"state_latency_ms"`
	StateError     string           `json:"state_error,omitempty"`
}

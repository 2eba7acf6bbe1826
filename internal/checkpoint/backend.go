package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned by Lock when another invocation holds the action.
var ErrLocked = errors.New("action is locked by another invocation")

// Store persists one ActionState document per task key.
// Implementations include SQLite (full featured), a YAML file, Redis and memory.
type Store interface {
	// Load returns the persisted state, or nil when none exists.
	Load(ctx context.Context, key string) (*ActionState, error)

	// Save replaces the whole document atomically.
	Save(ctx context.Context, key string, state *ActionState) error

	// Clear moves the document to a terminal status and drops its progress.
	Clear(ctx context.Context, key string, status Status) error

	// Delete removes the document so the next invocation plans again.
	Delete(ctx context.Context, key string) error

	// Lifecycle
	Close() error
}

// Locker is implemented by backends that can keep two invocations of the
// same action from overlapping.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func() error, err error)
}

// HistoryStore records one Run per CLI invocation.
// SQLite, file and Redis backends implement it; memory does not.
type HistoryStore interface {
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	Runs(ctx context.Context, key string, limit int) ([]Run, error)
}

// Run is one invocation of the engine against a task key.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	TaskKey     string     `json:"task_key" yaml:"task_key"`
	Command     string     `json:"command" yaml:"command"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Outcome     string     `json:"outcome" yaml:"outcome"`
	Slices      int        `json:"slices" yaml:"slices"`
	Rows        int64      `json:"rows" yaml:"rows"`
	ChunkSize   int        `json:"chunk_size" yaml:"chunk_size"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the run took, or time since start if running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// clearVia implements Clear on top of Load and Save.
func clearVia(ctx context.Context, s Store, key string, status Status) error {
	existing, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	return s.Save(ctx, key, cleared(existing, status))
}

var (
	_ Store        = (*SQLiteStore)(nil)
	_ Locker       = (*SQLiteStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
	_ Store        = (*FileStore)(nil)
	_ Locker       = (*FileStore)(nil)
	_ HistoryStore = (*FileStore)(nil)
	_ Store        = (*RedisStore)(nil)
	_ Locker       = (*RedisStore)(nil)
	_ HistoryStore = (*RedisStore)(nil)
	_ Store        = (*MemoryStore)(nil)
)

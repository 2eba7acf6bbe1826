package checkpoint

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

// SQLiteStore keeps action documents and run history in SQLite.
type SQLiteStore struct {
	db     *sqlx.DB
	path   string
	sealer *Sealer
}

// NewSQLite creates or opens anonymizer.db under dataDir.
func NewSQLite(dataDir string, sealer *Sealer) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "anonymizer.db")
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps whole-document replacement serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, sealer: sealer}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		task_key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		document BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_key TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		outcome TEXT NOT NULL DEFAULT 'running',
		slices INTEGER DEFAULT 0,
		rows_rewritten INTEGER DEFAULT 0,
		chunk_size INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_key, started_at);

	CREATE TABLE IF NOT EXISTS locks (
		task_key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted state for key, or nil.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*ActionState, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM actions WHERE task_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	return decodeJSON(s.sealer, key, doc)
}

// Save replaces the document for key with one UPSERT.
func (s *SQLiteStore) Save(ctx context.Context, key string, state *ActionState) error {
	doc, err := encodeJSON(s.sealer, key, state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (task_key, status, chunk_size, document, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(task_key) DO UPDATE SET
			status = excluded.status,
			chunk_size = excluded.chunk_size,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, key, string(state.Status), state.ChunkSize, doc)
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// Clear persists a terminal document for key.
func (s *SQLiteStore) Clear(ctx context.Context, key string, status Status) error {
	return clearVia(ctx, s, key, status)
}

// Delete removes the document for key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE task_key = ?`, key)
	return err
}

// Lock takes the action lock row for key. An expired row is taken over.
func (s *SQLiteStore) Lock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (task_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(task_key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, key, token, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	} else if n == 0 {
		return nil, ErrLocked
	}

	return func() error {
		_, err := s.db.ExecContext(context.Background(),
			`DELETE FROM locks WHERE task_key = ? AND token = ?`, key, token)
		return err
	}, nil
}

// ActionInfo is a row of the actions table.
type ActionInfo struct {
	TaskKey   string `db:"task_key"`
	Status    string `db:"status"`
	ChunkSize int    `db:"chunk_size"`
	UpdatedAt string `db:"updated_at"`
}

// ListActions returns every stored action ordered by last update.
func (s *SQLiteStore) ListActions(ctx context.Context) ([]ActionInfo, error) {
	var out []ActionInfo
	err := s.db.SelectContext(ctx, &out, `
		SELECT task_key, status, chunk_size, updated_at
		FROM actions ORDER BY updated_at DESC
	`)
	return out, err
}

// StartRun inserts a running Run.
func (s *SQLiteStore) StartRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_key, command, started_at, outcome, chunk_size)
		VALUES (?, ?, ?, ?, 'running', ?)
	`, run.ID, run.TaskKey, run.Command, run.StartedAt.UTC().Format(sqliteTimeFormat), run.ChunkSize)
	return err
}

// FinishRun records the final counters and outcome of run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	completed := time.Now().UTC()
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?, outcome = ?, slices = ?, rows_rewritten = ?,
			chunk_size = ?, error_message = ?
		WHERE id = ?
	`, completed.Format(sqliteTimeFormat), run.Outcome, run.Slices, run.Rows, run.ChunkSize, run.Error, run.ID)
	return err
}

type runRow struct {
	ID          string         `db:"id"`
	TaskKey     string         `db:"task_key"`
	Command     string         `db:"command"`
	StartedAt   string         `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
	Outcome     string         `db:"outcome"`
	Slices      int            `db:"slices"`
	Rows        int64          `db:"rows_rewritten"`
	ChunkSize   int            `db:"chunk_size"`
	Error       sql.NullString `db:"error_message"`
}

// Runs returns the latest runs, newest first. An empty key lists all tasks.
func (s *SQLiteStore) Runs(ctx context.Context, key string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, task_key, command, started_at, completed_at, outcome,
			slices, rows_rewritten, chunk_size, error_message
		FROM runs`
	var args []interface{}
	if key != "" {
		query += ` WHERE task_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		run := Run{
			ID:        r.ID,
			TaskKey:   r.TaskKey,
			Command:   r.Command,
			Outcome:   r.Outcome,
			Slices:    r.Slices,
			Rows:      r.Rows,
			ChunkSize: r.ChunkSize,
			Error:     r.Error.String,
		}
		run.StartedAt, _ = time.Parse(sqliteTimeFormat, r.StartedAt)
		if r.CompletedAt.Valid {
			t, _ := time.Parse(sqliteTimeFormat, r.CompletedAt.String)
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PruneRuns deletes finished runs older than days and returns how many.
func (s *SQLiteStore) PruneRuns(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(sqliteTimeFormat)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE outcome != 'running' AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeJSON(sealer *Sealer, key string, state *ActionState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}
	return sealer.Seal(key, data)
}

func decodeJSON(sealer *Sealer, key string, data []byte) (*ActionState, error) {
	plain, err := sealer.Open(key, data)
	if err != nil {
		return nil, err
	}
	var state ActionState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("parsing state for %s: %w", key, err)
	}
	return &state, nil
}

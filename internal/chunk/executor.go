// Package chunk executes one bounded slice of a logical request: select the
// next page of keys, then apply every update to exactly those keys inside a
// single transaction.
package chunk

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/retry"
)

// Status is the outcome tag of a chunk.
type Status int

const (
	// Ok means the chunk committed (or there was nothing left to select).
	Ok Status = iota
	// TransientError means the connection was lost; nothing was committed.
	TransientError
	// PermanentError means the request cannot make progress.
	PermanentError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case TransientError:
		return "transient"
	case PermanentError:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result reports what a chunk did. Cursor is the offset to resume from.
type Result struct {
	Status   Status
	Cursor   int
	Complete bool
	Rows     int
	Err      error
}

// Executor runs chunks against one database.
type Executor struct {
	db      *sqlx.DB
	drv     driver.Driver
	dialect driver.Dialect
}

// NewExecutor creates an executor for db using drv's dialect and error checks.
func NewExecutor(db *sqlx.DB, drv driver.Driver) *Executor {
	return &Executor{db: db, drv: drv, dialect: drv.Dialect()}
}

// ExecuteChunk processes up to chunkSize keys of req starting at cursor.
// The chunk ignores cancellation of ctx so a started transaction always
// commits or rolls back on its own terms.
func (e *Executor) ExecuteChunk(ctx context.Context, req plan.Request, cursor, chunkSize int) Result {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if cursor < 0 {
		cursor = 0
	}
	ctx = context.WithoutCancel(ctx)

	query := req.Select + " " + e.dialect.LimitOffset(cursor, chunkSize)
	var keys []interface{}
	if err := e.db.SelectContext(ctx, &keys, query); err != nil {
		return e.fail(cursor, fmt.Errorf("selecting keys for %s: %w", req.Name, err))
	}

	if len(keys) == 0 {
		logging.Debug("  %s: no keys at offset %d", req.Name, cursor)
		return Result{Status: Ok, Cursor: cursor, Complete: true}
	}

	if err := e.apply(ctx, req, keys); err != nil {
		return e.fail(cursor, err)
	}

	next := cursor + len(keys)
	logging.Debug("  %s: rewrote %d rows (offset %d -> %d)", req.Name, len(keys), cursor, next)
	return Result{
		Status:   Ok,
		Cursor:   next,
		Complete: len(keys) < chunkSize,
		Rows:     len(keys),
	}
}

func (e *Executor) apply(ctx context.Context, req plan.Request, keys []interface{}) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for i, update := range req.Updates {
		stmt, args, err := e.restrict(update, req.Key, keys)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("update %d of %s: %w", i+1, req.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", req.Name, err)
	}
	return nil
}

// restrict appends "WHERE key IN (...)" with one bind variable per key.
// Only the IN fragment is rebound so literals already in update are left alone.
func (e *Executor) restrict(update, key string, keys []interface{}) (string, []interface{}, error) {
	frag, args, err := sqlx.In(e.dialect.QuoteIdentifier(key)+" IN (?)", keys)
	if err != nil {
		return "", nil, fmt.Errorf("expanding key list: %w", err)
	}
	return update + " WHERE " + e.db.Rebind(frag), args, nil
}

func (e *Executor) fail(cursor int, err error) Result {
	status := PermanentError
	switch retry.Classify(err, e.drv.IsConnectionLost) {
	case retry.Transient, retry.Fatal:
		status = TransientError
	}
	return Result{Status: status, Cursor: cursor, Err: err}
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// StatusNotPlanned is reported for a task key with no stored state.
const StatusNotPlanned = "not_planned"

// Plan computes the requests for s without touching stored state. With
// count set, the rows each request would rewrite are counted.
func (o *Orchestrator) Plan(ctx context.Context, s plan.Subject, count bool) (*PlanResult, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	requests, err := o.planner.Plan(s)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}

	result := &PlanResult{TaskKey: o.TaskKey(s)}
	for _, req := range requests {
		pr := PlannedRequest{Name: req.Name, Key: req.Key, Updates: len(req.Updates)}
		if o.opts.Verbose {
			pr.Select = req.Select
			pr.SQL = append([]string(nil), req.Updates...)
		}
		result.Requests = append(result.Requests, pr)
	}
	if !count || len(requests) == 0 {
		return result, nil
	}

	db, err := o.database(ctx)
	if err != nil {
		return nil, err
	}
	for i, req := range requests {
		var n int64
		if err := db.GetContext(ctx, &n, countQuery(req.Select)); err != nil {
			logging.Warn("Failed to count rows for %s: %v (assuming 0)", req.Name, err)
			n = 0
		}
		result.Requests[i].Rows = &n
		result.TotalRows += n
	}
	return result, nil
}

// countQuery wraps a key selection in COUNT(*). The ORDER BY is dropped
// because SQL Server rejects it inside a derived table.
func countQuery(sel string) string {
	if i := strings.LastIndex(sel, " ORDER BY "); i >= 0 {
		sel = sel[:i]
	}
	return "SELECT COUNT(*) FROM (" + sel + ") matched"
}

// Status reports the stored progress of key.
func (o *Orchestrator) Status(ctx context.Context, key string) (*StatusResult, error) {
	state, err := o.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	result := &StatusResult{TaskKey: key, Status: StatusNotPlanned, State: state}
	if state == nil {
		return result, nil
	}

	result.Status = string(state.Status)
	result.RunID = state.RunID
	result.ChunkSize = state.ChunkSize
	result.Summary = state.Summarize()
	result.User = state.CurrentMember()
	finished := state.Status == checkpoint.StatusCompleted || state.Status == checkpoint.StatusEmpty
	if !state.PlannedAt.IsZero() {
		t := state.PlannedAt
		result.PlannedAt = &t
	}
	if !state.UpdatedAt.IsZero() {
		t := state.UpdatedAt
		result.UpdatedAt = &t
	}
	for _, req := range state.Requests {
		cursor := state.Cursor(req.Name)
		result.Requests = append(result.Requests, RequestStatus{
			Name:    req.Name,
			Cursor:  max(cursor, 0),
			Done:    finished || state.IsDone(req.Name),
			Skipped: cursor == checkpoint.Skipped,
		})
	}
	return result, nil
}

// Reset deletes the stored state of key so the next step plans again.
// It refuses while another invocation holds the lock.
func (o *Orchestrator) Reset(ctx context.Context, key string) error {
	release, err := o.lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if err := o.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	logging.Info("Reset state of %s", key)
	return nil
}

// History returns the most recent runs, newest first. An empty key
// returns runs of every task.
func (o *Orchestrator) History(ctx context.Context, key string, limit int) ([]checkpoint.Run, error) {
	hs, ok := o.store.(checkpoint.HistoryStore)
	if !ok {
		return nil, fmt.Errorf("the %s state backend does not record run history", o.config.State.Backend)
	}
	runs, err := hs.Runs(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	return runs, nil
}

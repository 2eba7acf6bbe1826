// Package action drives one anonymization action through bounded time
// slices. Each invocation resumes from the persisted ActionState, runs
// chunks until the deadline, and persists progress after every chunk.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/retry"
)

// DefaultMaxChunkSize is the initial chunk size of a freshly planned action.
const DefaultMaxChunkSize = 1000

// Outcome is the result of one ExecuteAction slice.
type Outcome int

const (
	// Completed means nothing is left to do. The action will not run again.
	Completed Outcome = iota
	// TimedOut means the deadline passed (or the slice was cancelled) with
	// work remaining. Call ExecuteAction again later.
	TimedOut
	// AwaitingRetry means a connection was lost. Call
	// ChangeActionParamsOnError before the next slice.
	AwaitingRetry
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case AwaitingRetry:
		return "awaiting_retry"
	default:
		return "unknown"
	}
}

// Planner produces the request list for a subject.
type Planner interface {
	Plan(s plan.Subject) ([]plan.Request, error)
}

// ChunkExecutor runs one chunk of a request.
type ChunkExecutor interface {
	ExecuteChunk(ctx context.Context, req plan.Request, cursor, chunkSize int) chunk.Result
}

// MemberPlanner lists the user accounts of a subject and plans the
// cleanup of one account.
type MemberPlanner interface {
	Members(ctx context.Context, s plan.Subject) ([]string, error)
	PlanMember(s plan.Subject, member string) ([]plan.Request, error)
}

// SliceStats counts the work done by the latest ExecuteAction call.
type SliceStats struct {
	Chunks    int
	Rows      int
	Skipped   int
	Completed int
}

// Runner is the time-sliced driver for one subject's action.
type Runner struct {
	key          string
	subject      plan.Subject
	planner      Planner
	members      MemberPlanner
	exec         ChunkExecutor
	store        checkpoint.Store
	observer     Observer
	maxChunkSize int
	runID        string
	now          func() time.Time
	last         SliceStats
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers callbacks for chunk and lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithMaxChunkSize sets the chunk size used when planning.
func WithMaxChunkSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxChunkSize = n
		}
	}
}

// WithMembers walks the subject's user accounts once its own requests
// are done.
func WithMembers(m MemberPlanner) Option {
	return func(r *Runner) { r.members = m }
}

// WithClock replaces time.Now for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithRunID tags newly planned state with the invocation's run ID.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a Runner persisting under key.
func NewRunner(key string, subject plan.Subject, planner Planner, exec ChunkExecutor, store checkpoint.Store, opts ...Option) *Runner {
	r := &Runner{
		key:          key,
		subject:      subject,
		planner:      planner,
		exec:         exec,
		store:        store,
		observer:     NopObserver{},
		maxChunkSize: DefaultMaxChunkSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LastSlice returns the counters of the latest ExecuteAction call.
func (r *Runner) LastSlice() SliceStats {
	return r.last
}

// InitActionParams plans the action and persists the initial state. An
// empty plan is persisted as a terminal "empty" state.
func (r *Runner) InitActionParams(ctx context.Context) error {
	_, err := r.initState(ctx)
	return err
}

func (r *Runner) initState(ctx context.Context) (*checkpoint.ActionState, error) {
	requests, err := r.planner.Plan(r.subject)
	if err != nil {
		return nil, fmt.Errorf("planning %s: %w", r.key, err)
	}

	state := checkpoint.NewActionState(r.maxChunkSize, requests)
	state.RunID = r.runID
	if r.members != nil {
		if state.Members, err = r.members.Members(ctx, r.subject); err != nil {
			return nil, fmt.Errorf("listing users of %s: %w", r.key, err)
		}
	}
	switch {
	case len(requests) == 0 && len(state.Members) == 0:
		logging.Info("No mention to anonymize for %s", r.key)
		state.Finish(checkpoint.StatusEmpty)
	case len(state.Members) > 0:
		logging.Info("Planned %d requests and %d users for %s (chunk size %d)",
			len(requests), len(state.Members), r.key, state.ChunkSize)
	default:
		logging.Info("Planned %d requests for %s (chunk size %d)", len(requests), r.key, state.ChunkSize)
	}

	if err := r.store.Save(ctx, r.key, state); err != nil {
		return nil, fmt.Errorf("saving planned state: %w", err)
	}
	if state.Status.Terminal() {
		r.observer.OnFinish(r.key, state.Status, state.Summarize())
	}
	return state, nil
}

// ExecuteAction runs chunks until every request is done, the deadline
// passes, ctx is cancelled, or a connection is lost. It returns an error
// only when progress cannot be loaded or persisted.
func (r *Runner) ExecuteAction(ctx context.Context, deadline time.Time) (Outcome, error) {
	r.last = SliceStats{}

	state, err := r.store.Load(ctx, r.key)
	if err != nil {
		return AwaitingRetry, fmt.Errorf("loading state: %w", err)
	}
	if state == nil {
		if state, err = r.initState(ctx); err != nil {
			return AwaitingRetry, err
		}
	}
	if state.Status.Terminal() {
		return Completed, nil
	}

	// Chunks commit regardless of ctx, so their progress is saved regardless too.
	saveCtx := context.WithoutCancel(ctx)

	for {
		if outcome, done, err := r.runRequests(ctx, saveCtx, state, deadline); !done {
			return outcome, err
		}
		member, ok := state.NextMember()
		if !ok {
			break
		}
		if r.members == nil {
			logging.Warn("%d users of %s are left because user cleanup is not configured",
				len(state.Members)-state.MemberIndex, r.key)
			break
		}
		if r.sliceOver(ctx, deadline) {
			r.logSliceEnd(state)
			return TimedOut, nil
		}
		if err := r.startMember(saveCtx, state, member); err != nil {
			return AwaitingRetry, err
		}
	}

	sum := state.Summarize()
	state.Finish(checkpoint.StatusCompleted)
	if err := r.store.Save(saveCtx, r.key, state); err != nil {
		return AwaitingRetry, fmt.Errorf("saving completed state: %w", err)
	}
	logging.Info("Action %s completed: %d requests, %d skipped, %d rows", r.key, sum.Total, sum.Skipped, sum.Rows)
	r.observer.OnFinish(r.key, checkpoint.StatusCompleted, sum)
	return Completed, nil
}

// runRequests runs chunks of the current request list. done is false when
// the slice must stop early with outcome.
func (r *Runner) runRequests(ctx, saveCtx context.Context, state *checkpoint.ActionState, deadline time.Time) (outcome Outcome, done bool, err error) {
	for _, req := range state.Requests {
		for !state.IsDone(req.Name) {
			if r.sliceOver(ctx, deadline) {
				r.logSliceEnd(state)
				return TimedOut, false, nil
			}

			res := r.exec.ExecuteChunk(ctx, req, state.Cursor(req.Name), state.ChunkSize)
			r.observer.OnChunk(req, res, state.ChunkSize)

			switch res.Status {
			case chunk.Ok:
				r.last.Chunks++
				r.last.Rows += res.Rows
				if res.Complete {
					err = state.MarkComplete(req.Name, res.Cursor)
				} else {
					err = state.Advance(req.Name, res.Cursor)
				}
				if err != nil {
					return AwaitingRetry, false, err
				}
				if err := r.store.Save(saveCtx, r.key, state); err != nil {
					return AwaitingRetry, false, fmt.Errorf("saving progress: %w", err)
				}
				if res.Complete {
					r.last.Completed++
					logging.Debug("Request %s complete (%d keys)", req.Name, res.Cursor)
					r.observer.OnRequestDone(req, false, nil)
				}

			case chunk.TransientError:
				logging.Warn("Connection lost during %s at offset %d, try again later: %v",
					req.Name, state.Cursor(req.Name), res.Err)
				return AwaitingRetry, false, nil

			default:
				logging.Error("Error during %s (offset %d, chunk size %d): %v",
					req.Name, state.Cursor(req.Name), state.ChunkSize, res.Err)
				logging.Error("Go to next request")
				state.MarkSkipped(req.Name)
				if err := r.store.Save(saveCtx, r.key, state); err != nil {
					return AwaitingRetry, false, fmt.Errorf("saving progress: %w", err)
				}
				r.last.Skipped++
				r.observer.OnRequestDone(req, true, res.Err)
			}
		}
	}
	return Completed, true, nil
}

// startMember plans member's requests and persists them with fresh progress.
func (r *Runner) startMember(ctx context.Context, state *checkpoint.ActionState, member string) error {
	requests, err := r.members.PlanMember(r.subject, member)
	if err != nil {
		return fmt.Errorf("planning user %s of %s: %w", member, r.key, err)
	}
	state.StartMember(requests)
	if err := r.store.Save(ctx, r.key, state); err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}
	logging.Info("Cleaning up user %s of %s (%d/%d, %d requests)",
		member, r.key, state.MemberIndex, len(state.Members), len(requests))
	return nil
}

func (r *Runner) sliceOver(ctx context.Context, deadline time.Time) bool {
	return ctx.Err() != nil || !r.now().Before(deadline)
}

func (r *Runner) logSliceEnd(state *checkpoint.ActionState) {
	sum := state.Summarize()
	if sum.Members > 0 {
		logging.Info("Slice ended for %s: %d/%d requests done, user %d/%d",
			r.key, sum.Completed+sum.Skipped, sum.Total, sum.MembersStarted, sum.Members)
		return
	}
	logging.Info("Slice ended for %s: %d/%d requests done", r.key, sum.Completed+sum.Skipped, sum.Total)
}

// ChangeActionParamsOnError shrinks the chunk size after a lost
// connection. At chunk size 1 the action is abandoned: its state is
// cleared and abandoned is true.
func (r *Runner) ChangeActionParamsOnError(ctx context.Context) (abandoned bool, err error) {
	state, err := r.store.Load(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("loading state: %w", err)
	}
	if state == nil || state.Status.Terminal() {
		return false, nil
	}

	next, giveUp := retry.Shrink(state.ChunkSize)
	if giveUp {
		sum := state.Summarize()
		logging.Error("Stop retrying %s: chunk size is already 1 (%d/%d requests done)",
			r.key, sum.Completed+sum.Skipped, sum.Total)
		if err := r.store.Clear(ctx, r.key, checkpoint.StatusAbandoned); err != nil {
			return false, fmt.Errorf("clearing abandoned state: %w", err)
		}
		r.observer.OnFinish(r.key, checkpoint.StatusAbandoned, sum)
		return true, nil
	}

	logging.Warn("Chunk size for %s reduced from %d to %d", r.key, state.ChunkSize, next)
	r.observer.OnShrink(r.key, state.ChunkSize, next)
	state.ChunkSize = next
	if err := r.store.Save(ctx, r.key, state); err != nil {
		return false, fmt.Errorf("saving chunk size: %w", err)
	}
	return false, nil
}

// State returns the persisted state, or nil when the action was never planned.
func (r *Runner) State(ctx context.Context) (*checkpoint.ActionState, error) {
	return r.store.Load(ctx, r.key)
}

// Reset deletes the persisted state so the next slice plans again.
func (r *Runner) Reset(ctx context.Context) error {
	return r.store.Delete(ctx, r.key)
}

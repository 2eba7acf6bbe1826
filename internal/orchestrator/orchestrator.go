package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/johndauphine/mention-anonymizer/internal/action"
	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/config"
	"github.com/johndauphine/mention-anonymizer/internal/driver"
	"github.com/johndauphine/mention-anonymizer/internal/exitcodes"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/metrics"
	"github.com/johndauphine/mention-anonymizer/internal/notify"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/progress"
	"github.com/johndauphine/mention-anonymizer/internal/retry"
	"github.com/johndauphine/mention-anonymizer/internal/schema"
)

// Options control how an Orchestrator reports on its work.
type Options struct {
	// TaskKey overrides the subject's default task key.
	TaskKey string

	// Progress draws a progress bar when stdout is a terminal.
	Progress bool

	// JSONProgress receives JSON progress lines. nil disables them.
	JSONProgress io.Writer

	// Verbose includes request SQL in plan output.
	Verbose bool
}

// Orchestrator wires the configured database, state store, planner and
// observers around action.Runner.
type Orchestrator struct {
	config   *config.Config
	opts     Options
	drv      driver.Driver
	db       *sqlx.DB
	store    checkpoint.Store
	catalog  schema.Catalog
	planner  *plan.Planner
	notifier *notify.Notifier
	metrics  *metrics.Recorder
}

// New creates an orchestrator. The database is opened on first use so
// status, reset and history work while it is down.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	drv, err := driver.Get(cfg.Database.Type)
	if err != nil {
		return nil, err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("building schema catalog: %w", err)
	}

	sealer, err := checkpoint.SealerFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading state key: %w", err)
	}
	if sealer == nil && cfg.State.Backend != "memory" {
		logging.Debug("%s is not set; state documents are stored unsealed", checkpoint.StateKeyEnv)
	}

	store, err := checkpoint.Open(ctx, checkpoint.Options{
		Backend:   cfg.State.Backend,
		DataDir:   cfg.State.DataDir,
		File:      cfg.State.File,
		RedisURL:  cfg.State.RedisURL,
		KeyPrefix: cfg.State.KeyPrefix,
		Sealer:    sealer,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	return &Orchestrator{
		config:   cfg,
		opts:     opts,
		drv:      drv,
		store:    store,
		catalog:  catalog,
		planner:  plan.New(catalog, drv.Dialect(), cfg.PlanOptions()),
		notifier: notify.New(&cfg.Slack),
		metrics:  metrics.NewRecorder(),
	}, nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.db != nil {
		o.db.Close()
	}
	o.store.Close()
}

// Metrics returns the recorder fed by every slice.
func (o *Orchestrator) Metrics() *metrics.Recorder {
	return o.metrics
}

// database opens the connection pool on first use.
func (o *Orchestrator) database(ctx context.Context) (*sqlx.DB, error) {
	if o.db != nil {
		return o.db, nil
	}
	dsn, err := o.config.DSN()
	if err != nil {
		return nil, err
	}
	db, err := driver.OpenDSN(ctx, o.drv, dsn, o.config.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logging.Debug("Connected to %s (max %d connections)", o.drv.Name(), o.config.Database.MaxConnections)
	o.db = db
	return db, nil
}

// TaskKey returns the key subject's progress is stored under.
func (o *Orchestrator) TaskKey(s plan.Subject) string {
	if o.opts.TaskKey != "" {
		return o.opts.TaskKey
	}
	return s.TaskKey()
}

// invocation tracks one Step or Run command.
type invocation struct {
	run     *checkpoint.Run
	subject plan.Subject
	key     string
	result  *SliceResult
	started time.Time
}

func (o *Orchestrator) begin(ctx context.Context, command string, s plan.Subject) (*invocation, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	logging.Redact(s.Origin.FriendlyName, s.Origin.Email)
	key := o.TaskKey(s)
	runID := uuid.New().String()[:8]
	inv := &invocation{
		subject: s,
		key:     key,
		started: time.Now(),
		run: &checkpoint.Run{
			ID:        runID,
			TaskKey:   key,
			Command:   command,
			StartedAt: time.Now().UTC(),
		},
		result: &SliceResult{RunID: runID, TaskKey: key},
	}
	if hs, ok := o.store.(checkpoint.HistoryStore); ok {
		if err := hs.StartRun(ctx, inv.run); err != nil {
			logging.Warn("Recording run %s: %v", runID, err)
		}
	}
	logging.Info("Starting %s run %s for %s", command, runID, key)
	return inv, nil
}

// finish records the outcome, writes metrics and notifies on failure.
func (o *Orchestrator) finish(ctx context.Context, inv *invocation, err error) {
	res := inv.result
	res.DurationSeconds = time.Since(inv.started).Seconds()

	run := inv.run
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Outcome = res.Outcome
	run.Slices = res.Slices
	run.Rows = int64(res.Rows)
	run.ChunkSize = res.ChunkSize
	switch code := exitcodes.FromError(err); code {
	case exitcodes.Success, exitcodes.Incomplete, exitcodes.Abandoned:
	case exitcodes.Cancelled, exitcodes.Locked:
		run.Outcome = "cancelled"
		if code == exitcodes.Locked {
			run.Outcome = "locked"
		}
		run.Error = logging.Scrub(err.Error())
	default:
		run.Outcome = "failed"
		run.Error = logging.Scrub(err.Error())
		if nerr := o.notifier.ActionFailed(run.ID, inv.key, err, time.Since(inv.started)); nerr != nil {
			logging.Warn("Sending failure notification: %v", nerr)
		}
	}

	// The command context may already be cancelled.
	bg := context.WithoutCancel(ctx)
	if hs, ok := o.store.(checkpoint.HistoryStore); ok {
		if ferr := hs.FinishRun(bg, run); ferr != nil {
			logging.Warn("Recording run %s: %v", run.ID, ferr)
		}
	}
	if pruner, ok := o.store.(interface {
		PruneRuns(ctx context.Context, days int) (int64, error)
	}); ok && o.config.State.HistoryDays > 0 {
		if n, perr := pruner.PruneRuns(bg, o.config.State.HistoryDays); perr != nil {
			logging.Warn("Pruning run history: %v", perr)
		} else if n > 0 {
			logging.Debug("Pruned %d runs older than %d days", n, o.config.State.HistoryDays)
		}
	}
	if werr := o.metrics.WriteTextfile(o.config.Metrics.TextfilePath); werr != nil {
		logging.Warn("Writing metrics textfile: %v", werr)
	}
}

// Step runs a single time slice. A slice that loses its connection
// shrinks the chunk size before returning so the next step resumes with
// smaller chunks. The returned error carries exitcodes.Incomplete while
// work remains and exitcodes.Abandoned when the action gave up.
func (o *Orchestrator) Step(ctx context.Context, s plan.Subject) (*SliceResult, error) {
	inv, err := o.begin(ctx, "step", s)
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, inv)
	o.finish(ctx, inv, err)
	return inv.result, err
}

func (o *Orchestrator) step(ctx context.Context, inv *invocation) error {
	outcome, err := o.slice(ctx, inv)
	if err != nil {
		return err
	}

	switch outcome {
	case action.Completed:
		return nil
	case action.AwaitingRetry:
		abandoned, err := o.shrink(ctx, inv)
		if err != nil {
			return err
		}
		if abandoned {
			return exitcodes.NewExitError(fmt.Errorf("action %s abandoned at chunk size 1", inv.key), exitcodes.Abandoned)
		}
		return exitcodes.NewExitError(fmt.Errorf("connection lost; retry %s later", inv.key), exitcodes.Incomplete)
	default:
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("slice interrupted: %w", err)
		}
		return exitcodes.NewExitError(fmt.Errorf("slice deadline reached; %s has work remaining", inv.key), exitcodes.Incomplete)
	}
}

// Run repeats slices until the action completes, is abandoned, the
// context is cancelled or anonymizer.max_slices is reached. Lost
// connections are waited out with exponential backoff.
func (o *Orchestrator) Run(ctx context.Context, s plan.Subject) (*SliceResult, error) {
	inv, err := o.begin(ctx, "run", s)
	if err != nil {
		return nil, err
	}

	err = o.loop(ctx, inv)
	o.finish(ctx, inv, err)
	return inv.result, err
}

func (o *Orchestrator) loop(ctx context.Context, inv *invocation) error {
	a := o.config.Anonymizer
	backoff := retry.BackoffConfig{
		InitialDelay:    a.RetryDelay,
		MaxDelay:        a.MaxRetryDelay,
		BackoffMultiple: retry.DefaultBackoff.BackoffMultiple,
	}

	failures := 0
	for {
		outcome, err := o.slice(ctx, inv)
		if err != nil {
			return err
		}

		switch outcome {
		case action.Completed:
			return nil
		case action.AwaitingRetry:
			abandoned, err := o.shrink(ctx, inv)
			if err != nil {
				return err
			}
			if abandoned {
				return exitcodes.NewExitError(fmt.Errorf("action %s abandoned at chunk size 1", inv.key), exitcodes.Abandoned)
			}
			delay := retry.Backoff(failures, backoff)
			failures++
			logging.Info("Waiting %s before retrying %s", delay.Round(time.Millisecond), inv.key)
			if err := retry.Wait(ctx, delay); err != nil {
				return fmt.Errorf("waiting to retry: %w", err)
			}
		default:
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("slice interrupted: %w", err)
			}
			failures = 0
		}

		if a.MaxSlices > 0 && inv.result.Slices >= a.MaxSlices {
			return exitcodes.NewExitError(
				fmt.Errorf("stopped after %d slices; %s has work remaining", inv.result.Slices, inv.key),
				exitcodes.Incomplete)
		}
	}
}

// runner builds the action runner for inv with the given observers.
func (o *Orchestrator) runner(db *sqlx.DB, inv *invocation, observers action.Observers) *action.Runner {
	opts := []action.Option{
		action.WithObserver(observers),
		action.WithMaxChunkSize(o.config.Anonymizer.MaxChunkSize),
		action.WithRunID(inv.run.ID),
	}
	if o.config.Schema.Users.Enabled() {
		opts = append(opts, action.WithMembers(userAccounts{db: db, planner: o.planner}))
	}
	return action.NewRunner(inv.key, inv.subject, o.planner, chunk.NewExecutor(db, o.drv), o.store, opts...)
}

// userAccounts lists a contact's user accounts from the database.
type userAccounts struct {
	db      *sqlx.DB
	planner *plan.Planner
}

func (u userAccounts) Members(ctx context.Context, s plan.Subject) ([]string, error) {
	var ids []string
	if err := u.db.SelectContext(ctx, &ids, u.planner.MembersQuery(s)); err != nil {
		return nil, err
	}
	return ids, nil
}

func (u userAccounts) PlanMember(s plan.Subject, member string) ([]plan.Request, error) {
	return u.planner.PlanMember(s, member)
}

// slice runs one ExecuteAction call under the task lock.
func (o *Orchestrator) slice(ctx context.Context, inv *invocation) (action.Outcome, error) {
	db, err := o.database(ctx)
	if err != nil {
		return action.AwaitingRetry, err
	}

	release, err := o.lock(ctx, inv.key)
	if err != nil {
		return action.AwaitingRetry, err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			logging.Warn("Releasing lock on %s: %v", inv.key, rerr)
		}
	}()

	var tracker *progress.Tracker
	var reporter *progress.ReportingObserver
	observers := action.Observers{o.metrics, notify.NewObserver(o.notifier, inv.run.ID, inv.key)}
	// Per-chunk debug lines would tear the bar.
	if o.opts.Progress && progress.IsTerminal() && !logging.IsDebug() {
		tracker = progress.New()
		observers = append(observers, tracker)
	}
	if o.opts.JSONProgress != nil {
		jr := progress.NewJSONReporter(o.opts.JSONProgress, time.Second)
		defer jr.Close()
		reporter = progress.NewReportingObserver(jr, inv.key)
		observers = append(observers, reporter)
	}

	r := o.runner(db, inv, observers)
	state, err := r.State(ctx)
	if err != nil {
		return action.AwaitingRetry, fmt.Errorf("loading state: %w", err)
	}
	if state == nil {
		logging.Info("Planning action %s", inv.key)
		if err := r.InitActionParams(ctx); err != nil {
			return action.AwaitingRetry, err
		}
		if state, err = r.State(ctx); err != nil {
			return action.AwaitingRetry, fmt.Errorf("loading state: %w", err)
		}
	}
	if state != nil {
		if tracker != nil {
			tracker.Start(state)
		}
		if reporter != nil {
			reporter.Start(state)
		}
	}

	start := time.Now()
	outcome, err := r.ExecuteAction(ctx, start.Add(o.config.Anonymizer.SliceDuration))
	o.metrics.ObserveSlice(outcome, time.Since(start))
	if tracker != nil {
		tracker.Finish()
	}
	if reporter != nil && outcome != action.Completed {
		reporter.Phase(outcome.String())
	}

	stats := r.LastSlice()
	res := inv.result
	res.Slices++
	res.Chunks += stats.Chunks
	res.Rows += stats.Rows
	res.Skipped += stats.Skipped
	res.Outcome = outcome.String()
	if state, lerr := r.State(ctx); lerr == nil && state != nil {
		res.ChunkSize = state.ChunkSize
		res.Status = string(state.Status)
	}
	if err != nil {
		return outcome, err
	}

	logging.Info("Slice %d of %s: %s (%d chunks, %d rows, %d requests done)",
		res.Slices, inv.key, outcome, stats.Chunks, stats.Rows, stats.Completed+stats.Skipped)
	return outcome, nil
}

// shrink reduces the chunk size after a lost connection.
func (o *Orchestrator) shrink(ctx context.Context, inv *invocation) (bool, error) {
	release, err := o.lock(ctx, inv.key)
	if err != nil {
		return false, err
	}
	defer release()

	observers := action.Observers{o.metrics, notify.NewObserver(o.notifier, inv.run.ID, inv.key)}
	r := o.runner(o.db, inv, observers)
	abandoned, err := r.ChangeActionParamsOnError(ctx)
	if err != nil {
		return false, err
	}
	if abandoned {
		inv.result.Outcome = "abandoned"
		inv.result.Status = string(checkpoint.StatusAbandoned)
		return true, nil
	}
	if state, lerr := o.store.Load(ctx, inv.key); lerr == nil && state != nil {
		inv.result.ChunkSize = state.ChunkSize
		logging.Debug("Chunk size of %s is now %d (%d more lost connections before abandoning)",
			inv.key, state.ChunkSize, retry.Steps(state.ChunkSize))
	}
	return false, nil
}

// lock takes the per-task lock when the backend supports one.
func (o *Orchestrator) lock(ctx context.Context, key string) (func() error, error) {
	locker, ok := o.store.(checkpoint.Locker)
	if !ok {
		return func() error { return nil }, nil
	}
	release, err := locker.Lock(ctx, key, o.config.State.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", key, err)
	}
	return release, nil
}

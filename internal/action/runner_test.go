package action

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	sqlitedrv "github.com/johndauphine/mention-anonymizer/internal/driver/sqlite"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/schema"
)

const (
	subjectKey = "Person:7"
	logRequest = "0:ticket.public_log@Person"
)

func mention(class, id, name string) string {
	return `<p><a href="/pages/UI.php?operation=details&amp;class=` + class + `&amp;id=` + id + `">@` + name + `</a> please check</p>`
}

func setupDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	db.MustExec(`CREATE TABLE ticket (
		id INTEGER PRIMARY KEY,
		public_log TEXT,
		public_log_index TEXT,
		description TEXT
	)`)
	for id := 1; id <= 3; id++ {
		db.MustExec(`INSERT INTO ticket (id, public_log, public_log_index, description) VALUES (?, ?, ?, ?)`,
			id, mention("Person", "7", "John Doe"), "idx", "Reported by John Doe")
	}
	db.MustExec(`INSERT INTO ticket (id, public_log, public_log_index, description) VALUES (4, ?, 'idx', 'Reported by John Doe')`,
		mention("Person", "8", "Jane Roe"))
	return db
}

func testPlanner(t *testing.T) *plan.Planner {
	t.Helper()
	catalog, err := schema.NewStaticCatalog(schema.Definition{
		MentionTriggers:        []string{"Ticket"},
		MentionsAllowedClasses: map[string]string{"@": "Person"},
		Classes: []schema.ClassDef{
			{Name: "Contact", Table: "contact"},
			{Name: "Person", Parent: "Contact", Table: "person"},
			{Name: "Organization", Table: "organization"},
			{Name: "Ticket", Table: "ticket", Key: "id", Attributes: []schema.AttributeDef{
				{Code: "public_log", Kind: "caselog", Columns: []string{"public_log", "public_log_index"}},
				{Code: "description", Kind: "text"},
			}},
		},
	})
	require.NoError(t, err)
	return plan.New(catalog, &sqlitedrv.Dialect{}, plan.Options{})
}

func johnDoe() plan.Subject {
	return plan.Subject{
		Class:      "Person",
		ID:         "7",
		Origin:     plan.Identity{FriendlyName: "John Doe", Email: "john@example.com"},
		Anonymized: plan.Identity{FriendlyName: "Anonymous 7", Email: "anon7@example.invalid"},
	}
}

type chunkCall struct {
	request string
	cursor  int
	size    int
	result  chunk.Result
}

// scriptedExecutor wraps a real executor and can force failures on given calls.
type scriptedExecutor struct {
	inner  ChunkExecutor
	forced map[int]chunk.Status // 1-based call number
	calls  []chunkCall
}

func (s *scriptedExecutor) ExecuteChunk(ctx context.Context, req plan.Request, cursor, size int) chunk.Result {
	n := len(s.calls) + 1
	var res chunk.Result
	if status, ok := s.forced[n]; ok {
		res = chunk.Result{Status: status, Cursor: cursor, Err: errors.New("forced " + status.String())}
	} else {
		res = s.inner.ExecuteChunk(ctx, req, cursor, size)
	}
	s.calls = append(s.calls, chunkCall{request: req.Name, cursor: cursor, size: size, result: res})
	return res
}

type recordingObserver struct {
	NopObserver
	cursors  map[string][]int
	skipped  []string
	finished []checkpoint.Status
	shrinks  [][2]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{cursors: make(map[string][]int)}
}

func (o *recordingObserver) OnChunk(req plan.Request, res chunk.Result, _ int) {
	o.cursors[req.Name] = append(o.cursors[req.Name], res.Cursor)
}

func (o *recordingObserver) OnRequestDone(req plan.Request, skipped bool, _ error) {
	if skipped {
		o.skipped = append(o.skipped, req.Name)
	}
}

func (o *recordingObserver) OnShrink(_ string, from, to int) {
	o.shrinks = append(o.shrinks, [2]int{from, to})
}

func (o *recordingObserver) OnFinish(_ string, status checkpoint.Status, _ checkpoint.Summary) {
	o.finished = append(o.finished, status)
}

type harness struct {
	db       *sqlx.DB
	store    *checkpoint.MemoryStore
	exec     *scriptedExecutor
	observer *recordingObserver
}

func newHarness(t *testing.T) *harness {
	db := setupDB(t)
	return &harness{
		db:       db,
		store:    checkpoint.NewMemory(),
		exec:     &scriptedExecutor{inner: chunk.NewExecutor(db, &sqlitedrv.Driver{}), forced: map[int]chunk.Status{}},
		observer: newRecordingObserver(),
	}
}

func (h *harness) runner(t *testing.T, subject plan.Subject, opts ...Option) *Runner {
	opts = append([]Option{WithObserver(h.observer)}, opts...)
	return NewRunner(subject.TaskKey(), subject, testPlanner(t), h.exec, h.store, opts...)
}

func requireAnonymized(t *testing.T, db *sqlx.DB) {
	t.Helper()
	type row struct {
		ID          int    `db:"id"`
		PublicLog   string `db:"public_log"`
		Description string `db:"description"`
	}
	var rows []row
	require.NoError(t, db.Select(&rows, `SELECT id, public_log, description FROM ticket ORDER BY id`))
	require.Len(t, rows, 4)

	for _, r := range rows[:3] {
		require.Equal(t, mention("Person", "7", "********"), r.PublicLog, "ticket %d", r.ID)
		require.Equal(t, "Reported by Anonymous 7", r.Description, "ticket %d", r.ID)
	}
	require.Equal(t, mention("Person", "8", "Jane Roe"), rows[3].PublicLog)
	require.Equal(t, "Reported by John Doe", rows[3].Description, "unselected rows are not rewritten")
}

func requireMonotonic(t *testing.T, o *recordingObserver) {
	t.Helper()
	for name, cursors := range o.cursors {
		for i := 1; i < len(cursors); i++ {
			require.GreaterOrEqual(t, cursors[i], cursors[i-1], "cursor of %s moved back", name)
		}
	}
}

func TestExecuteAction_ThreeRowsChunkSizeTwo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, johnDoe(), WithMaxChunkSize(2))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)

	require.Len(t, h.exec.calls, 2)
	require.Equal(t, 0, h.exec.calls[0].cursor)
	require.Equal(t, 2, h.exec.calls[0].result.Rows)
	require.False(t, h.exec.calls[0].result.Complete)
	require.Equal(t, 2, h.exec.calls[1].cursor)
	require.Equal(t, 1, h.exec.calls[1].result.Rows)
	require.True(t, h.exec.calls[1].result.Complete)
	require.Equal(t, SliceStats{Chunks: 2, Rows: 3, Completed: 1}, r.LastSlice())

	requireAnonymized(t, h.db)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusCompleted, state.Status)
	require.Nil(t, state.Progress)
	require.Len(t, state.Requests, 1, "requests are kept for audit")
	require.Equal(t, []checkpoint.Status{checkpoint.StatusCompleted}, h.observer.finished)

	// A completed action is a no-op.
	outcome, err = r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Len(t, h.exec.calls, 2)
}

func TestExecuteAction_ZeroMatchingRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	subject := johnDoe()
	subject.ID = "99"

	outcome, err := h.runner(t, subject).ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)

	require.Len(t, h.exec.calls, 1)
	require.True(t, h.exec.calls[0].result.Complete)
	require.Zero(t, h.exec.calls[0].result.Rows)

	var unchanged int
	require.NoError(t, h.db.Get(&unchanged, `SELECT COUNT(*) FROM ticket WHERE description = 'Reported by John Doe'`))
	require.Equal(t, 4, unchanged)
}

func TestExecuteAction_EmptyPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	subject := johnDoe()
	subject.Class = "Organization"

	r := h.runner(t, subject)
	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Empty(t, h.exec.calls)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusEmpty, state.Status)
	require.Equal(t, []checkpoint.Status{checkpoint.StatusEmpty}, h.observer.finished)
}

func TestExecuteAction_TimesOutAndResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	ticks := 0
	clock := func() time.Time {
		now := t0.Add(time.Duration(ticks) * time.Minute)
		ticks++
		return now
	}
	r := h.runner(t, johnDoe(), WithMaxChunkSize(1), WithClock(clock))

	outcome, err := r.ExecuteAction(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, TimedOut, outcome)
	require.Len(t, h.exec.calls, 2)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, state.Cursor(logRequest))
	require.Equal(t, checkpoint.StatusPlanned, state.Status)

	// A new invocation resumes at the persisted cursor.
	outcome, err = r.ExecuteAction(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, 2, h.exec.calls[2].cursor)
	require.Equal(t, 3, h.exec.calls[3].cursor)
	require.True(t, h.exec.calls[3].result.Complete)

	requireAnonymized(t, h.db)
	requireMonotonic(t, h.observer)
}

func TestExecuteAction_DeadlineAlreadyPassed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, johnDoe())

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, TimedOut, outcome)
	require.Empty(t, h.exec.calls)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state, "planning is persisted even when no chunk ran")
	require.Len(t, state.Requests, 1)
}

func TestExecuteAction_CancelledContextStopsAtChunkBoundary(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, johnDoe())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, TimedOut, outcome)
	require.Empty(t, h.exec.calls)
}

func TestExecuteAction_TransientFailureShrinksAndResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.exec.forced[2] = chunk.TransientError
	r := h.runner(t, johnDoe(), WithMaxChunkSize(2))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, AwaitingRetry, outcome)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, state.Cursor(logRequest), "cursor is preserved on a transient failure")
	require.False(t, state.IsDone(logRequest))

	abandoned, err := r.ChangeActionParamsOnError(ctx)
	require.NoError(t, err)
	require.False(t, abandoned)
	require.Equal(t, [][2]int{{2, 1}}, h.observer.shrinks)

	outcome, err = r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)

	last := h.exec.calls[len(h.exec.calls)-2:]
	require.Equal(t, 1, last[0].size)
	require.Equal(t, 2, last[0].cursor)
	require.True(t, last[1].result.Complete)

	requireAnonymized(t, h.db)
	requireMonotonic(t, h.observer)
}

func TestExecuteAction_ReplaysChunkWhoseProgressWasLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	failing := &failingStore{MemoryStore: h.store, failOn: 2}
	r := NewRunner(subjectKey, johnDoe(), testPlanner(t), h.exec, failing, WithMaxChunkSize(2))

	// The first chunk commits but its progress is never persisted.
	_, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.Error(t, err)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, state.Cursor(logRequest))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, 0, h.exec.calls[1].cursor, "the unsaved chunk runs again")

	requireAnonymized(t, h.db)
}

func TestExecuteAction_ChunkSizeDoesNotChangeResult(t *testing.T) {
	snapshot := func(db *sqlx.DB) []string {
		var rows []string
		require.NoError(t, db.Select(&rows, `SELECT id || '|' || public_log || '|' || public_log_index || '|' || description FROM ticket ORDER BY id`))
		return rows
	}

	var want []string
	for _, size := range []int{1, 2, 3, 1000} {
		h := newHarness(t)
		r := h.runner(t, johnDoe(), WithMaxChunkSize(size))

		outcome, err := r.ExecuteAction(context.Background(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, Completed, outcome, "chunk size %d", size)
		require.Len(t, h.exec.calls, 3/size+1, "chunk size %d", size)
		requireAnonymized(t, h.db)

		got := snapshot(h.db)
		if want == nil {
			want = got
			continue
		}
		require.Equal(t, want, got, "chunk size %d", size)
	}
}

// cancellingExecutor cancels the slice once `after` chunks have committed.
type cancellingExecutor struct {
	inner  ChunkExecutor
	cancel context.CancelFunc
	after  int
	calls  int
}

func (c *cancellingExecutor) ExecuteChunk(ctx context.Context, req plan.Request, cursor, size int) chunk.Result {
	res := c.inner.ExecuteChunk(ctx, req, cursor, size)
	c.calls++
	if c.calls == c.after {
		c.cancel()
	}
	return res
}

func TestExecuteAction_CancelDuringChunkKeepsProgress(t *testing.T) {
	db := setupDB(t)
	store, err := checkpoint.NewSQLite(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &cancellingExecutor{inner: chunk.NewExecutor(db, &sqlitedrv.Driver{}), cancel: cancel, after: 1}
	r := NewRunner(subjectKey, johnDoe(), testPlanner(t), exec, store, WithMaxChunkSize(2))
	require.NoError(t, r.InitActionParams(context.Background()))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err, "a chunk committed before the interrupt is still saved")
	require.Equal(t, TimedOut, outcome)
	require.Equal(t, 1, exec.calls)

	state, err := store.Load(context.Background(), subjectKey)
	require.NoError(t, err)
	require.Equal(t, 2, state.Cursor(logRequest))

	exec.after = 0
	outcome, err = r.ExecuteAction(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, 2, exec.calls, "the resumed slice starts at the saved cursor")

	requireAnonymized(t, db)
}

func setupUsers(t *testing.T, db *sqlx.DB) {
	t.Helper()
	db.MustExec(`CREATE TABLE priv_user (
		id INTEGER PRIMARY KEY,
		contactid INTEGER,
		login TEXT,
		status TEXT
	)`)
	db.MustExec(`CREATE TABLE priv_change (
		id INTEGER PRIMARY KEY,
		user_id INTEGER,
		userinfo TEXT
	)`)
	for _, u := range []struct{ id, contact int }{{12, 7}, {15, 7}, {20, 8}} {
		db.MustExec(`INSERT INTO priv_user VALUES (?, ?, ?, 'enabled')`, u.id, u.contact, "login"+strconv.Itoa(u.id))
	}
	for i, user := range []int{12, 12, 12, 15, 20} {
		db.MustExec(`INSERT INTO priv_change VALUES (?, ?, 'John Doe (CSV import)')`, i+1, user)
	}
}

func usersPlanner(t *testing.T) *plan.Planner {
	t.Helper()
	catalog, err := schema.NewStaticCatalog(schema.Definition{
		Classes: []schema.ClassDef{{Name: "Contact"}, {Name: "Person", Parent: "Contact"}},
	})
	require.NoError(t, err)
	return plan.New(catalog, &sqlitedrv.Dialect{}, plan.Options{Users: schema.UsersDef{
		Table:         "priv_user",
		ContactColumn: "contactid",
		Reset:         map[string]string{"login": "anonymous-{id}", "status": "disabled"},
		Changes:       []schema.ChangeDef{{Table: "priv_change", UserColumn: "user_id", Columns: []string{"userinfo"}}},
	}})
}

// dbMembers lists members with the planner's query, like the orchestrator does.
type dbMembers struct {
	db      *sqlx.DB
	planner *plan.Planner
}

func (m dbMembers) Members(ctx context.Context, s plan.Subject) ([]string, error) {
	var ids []string
	err := m.db.SelectContext(ctx, &ids, m.planner.MembersQuery(s))
	return ids, err
}

func (m dbMembers) PlanMember(s plan.Subject, member string) ([]plan.Request, error) {
	return m.planner.PlanMember(s, member)
}

func TestExecuteAction_WalksUsersAfterMentions(t *testing.T) {
	db := setupDB(t)
	setupUsers(t, db)
	store := checkpoint.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two chunks for the mentions, one for user 12's account, then the
	// first chunk of its changes.
	exec := &cancellingExecutor{inner: chunk.NewExecutor(db, &sqlitedrv.Driver{}), cancel: cancel, after: 4}
	r := NewRunner(subjectKey, johnDoe(), testPlanner(t), exec, store,
		WithMaxChunkSize(2), WithMembers(dbMembers{db: db, planner: usersPlanner(t)}))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, TimedOut, outcome)

	state, err := r.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"12", "15"}, state.Members)
	require.Equal(t, "12", state.CurrentMember())
	require.True(t, state.IsDone("0:priv_user@user=12"))
	require.Equal(t, 2, state.Cursor("1:priv_change@user=12"))
	require.NotContains(t, state.Progress, logRequest, "progress restarts for each user")

	outcome, err = r.ExecuteAction(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, 7, exec.calls, "no chunk runs twice")

	requireAnonymized(t, db)

	type user struct {
		ID     int    `db:"id"`
		Login  string `db:"login"`
		Status string `db:"status"`
	}
	var users []user
	require.NoError(t, db.Select(&users, `SELECT id, login, status FROM priv_user ORDER BY id`))
	require.Equal(t, []user{
		{12, "anonymous-12", "disabled"},
		{15, "anonymous-15", "disabled"},
		{20, "login20", "enabled"},
	}, users)

	var infos []string
	require.NoError(t, db.Select(&infos, `SELECT userinfo FROM priv_change ORDER BY id`))
	require.Equal(t, []string{
		"Anonymous 7 (CSV import)",
		"Anonymous 7 (CSV import)",
		"Anonymous 7 (CSV import)",
		"Anonymous 7 (CSV import)",
		"John Doe (CSV import)",
	}, infos, "only changes authored by the contact's users are rewritten")

	state, err = r.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusCompleted, state.Status)
	require.Equal(t, 2, state.MemberIndex)
}

func TestExecuteAction_UsersWithoutMentions(t *testing.T) {
	db := setupDB(t)
	setupUsers(t, db)
	h := newHarness(t)
	subject := johnDoe()
	subject.Class = "Organization"

	r := NewRunner(subjectKey, subject, testPlanner(t), chunk.NewExecutor(db, &sqlitedrv.Driver{}), h.store,
		WithObserver(h.observer), WithMembers(dbMembers{db: db, planner: usersPlanner(t)}))
	outcome, err := r.ExecuteAction(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []checkpoint.Status{checkpoint.StatusCompleted}, h.observer.finished,
		"an action with users to clean up is not empty")

	var disabled int
	require.NoError(t, db.Get(&disabled, `SELECT COUNT(*) FROM priv_user WHERE status = 'disabled'`))
	require.Equal(t, 2, disabled)
}

func TestExecuteAction_PermanentFailureSkipsToNextRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	good, err := testPlanner(t).Plan(johnDoe())
	require.NoError(t, err)
	broken := plan.Request{
		Name:    "0:ticket.missing@Person",
		Select:  good[0].Select,
		Updates: []string{"UPDATE `ticket` SET `missing_column` = 'x'"},
		Key:     "id",
	}
	ok := good[0]
	ok.Name = "1:ticket.public_log@Person"

	r := NewRunner(subjectKey, johnDoe(), staticPlanner{broken, ok}, h.exec, h.store,
		WithObserver(h.observer), WithMaxChunkSize(2))

	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)

	require.Equal(t, []string{"0:ticket.missing@Person"}, h.observer.skipped)
	require.Equal(t, chunk.PermanentError, h.exec.calls[0].result.Status)
	require.Equal(t, "1:ticket.public_log@Person", h.exec.calls[1].request, "the broken request is not retried")
	require.Equal(t, 1, r.LastSlice().Skipped)

	requireAnonymized(t, h.db)
}

func TestChangeActionParamsOnError_AbandonsAtChunkSizeOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, johnDoe(), WithMaxChunkSize(3))
	require.NoError(t, r.InitActionParams(ctx))

	for _, want := range []int{2, 1} {
		abandoned, err := r.ChangeActionParamsOnError(ctx)
		require.NoError(t, err)
		require.False(t, abandoned)
		state, _ := r.State(ctx)
		require.Equal(t, want, state.ChunkSize)
	}

	abandoned, err := r.ChangeActionParamsOnError(ctx)
	require.NoError(t, err)
	require.True(t, abandoned)

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusAbandoned, state.Status)
	require.Equal(t, []checkpoint.Status{checkpoint.StatusAbandoned}, h.observer.finished)

	// Nothing runs after abandonment, and further errors are ignored.
	outcome, err := r.ExecuteAction(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Empty(t, h.exec.calls)

	abandoned, err = r.ChangeActionParamsOnError(ctx)
	require.NoError(t, err)
	require.False(t, abandoned)
}

func TestExecuteAction_StoreFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	r := NewRunner(subjectKey, johnDoe(), testPlanner(t), h.exec, brokenStore{}, WithMaxChunkSize(2))

	_, err := r.ExecuteAction(context.Background(), time.Now().Add(time.Hour))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "loading state"))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, johnDoe())
	require.NoError(t, r.InitActionParams(ctx))
	require.NoError(t, r.Reset(ctx))

	state, err := r.State(ctx)
	require.NoError(t, err)
	require.Nil(t, state)
}

type staticPlanner []plan.Request

func (p staticPlanner) Plan(plan.Subject) ([]plan.Request, error) {
	return append([]plan.Request(nil), p...), nil
}

// failingStore fails the failOn-th Save once.
type failingStore struct {
	*checkpoint.MemoryStore
	failOn int
	saves  int
}

func (f *failingStore) Save(ctx context.Context, key string, state *checkpoint.ActionState) error {
	f.saves++
	if f.saves == f.failOn {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, key, state)
}

type brokenStore struct{ checkpoint.Store }

func (brokenStore) Load(context.Context, string) (*checkpoint.ActionState, error) {
	return nil, errors.New("database is locked")
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/config"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/mysql"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/sqlite"
	"github.com/johndauphine/mention-anonymizer/internal/exitcodes"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/schema"
)

const schemaYAML = `
schema:
  mention_triggers: [Ticket]
  mentions_allowed_classes:
    "@": Person
  classes:
    - {name: Contact, table: contact}
    - {name: Person, parent: Contact, table: person}
    - name: Ticket
      table: ticket
      key: id
      attributes:
        - {code: public_log, kind: caselog, columns: [public_log, public_log_index]}
        - {code: description, kind: text}
`

func mention(id, name string) string {
	return `<p><a href="/pages/UI.php?operation=details&amp;class=Person&amp;id=` + id + `">@` + name + `</a> please check</p>`
}

func johnDoe() plan.Subject {
	return plan.Subject{
		Class:      "Person",
		ID:         "7",
		Origin:     plan.Identity{FriendlyName: "John Doe", Email: "john@example.com"},
		Anonymized: plan.Identity{FriendlyName: "Anonymous 7", Email: "anon7@example.invalid"},
	}
}

type fixture struct {
	orch      *Orchestrator
	db        *sqlx.DB
	stateFile string
}

// newFixture seeds a SQLite database with three tickets mentioning
// John Doe and one mentioning someone else, and builds an orchestrator
// over it with a file state store.
func newFixture(t *testing.T, anonymizerYAML string, opts Options) *fixture {
	t.Helper()
	t.Setenv(checkpoint.StateKeyEnv, "")
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "itop.db")
	stateFile := filepath.Join(dir, "state.yaml")

	db, err := sqlx.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.MustExec(`CREATE TABLE ticket (
		id INTEGER PRIMARY KEY,
		public_log TEXT,
		public_log_index TEXT,
		description TEXT
	)`)
	for id := 1; id <= 3; id++ {
		db.MustExec(`INSERT INTO ticket VALUES (?, ?, 'idx', 'Reported by John Doe')`, id, mention("7", "John Doe"))
	}
	db.MustExec(`INSERT INTO ticket VALUES (4, ?, 'idx', 'Reported by Jane Roe')`, mention("8", "Jane Roe"))

	yml := fmt.Sprintf(`
database:
  type: sqlite
  database: %s
state:
  backend: file
  file: %s
anonymizer:
  max_chunk_size: 2
%s
%s`, dbPath, stateFile, anonymizerYAML, schemaYAML)
	cfg, err := config.LoadBytes([]byte(yml))
	require.NoError(t, err)

	o, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return &fixture{orch: o, db: db, stateFile: stateFile}
}

func (f *fixture) requireAnonymized(t *testing.T) {
	t.Helper()
	var logs []string
	require.NoError(t, f.db.Select(&logs, `SELECT public_log FROM ticket WHERE id <= 3 ORDER BY id`))
	require.Len(t, logs, 3)
	for _, l := range logs {
		require.NotContains(t, l, "John Doe")
		require.Contains(t, l, "********")
	}
	var other string
	require.NoError(t, f.db.Get(&other, `SELECT public_log FROM ticket WHERE id = 4`))
	require.Contains(t, other, "Jane Roe")
}

func TestStep_CompletesAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{})

	res, err := f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)
	require.Equal(t, "completed", res.Outcome)
	require.Equal(t, 3, res.Rows)
	require.Equal(t, 1, res.Slices)
	require.Equal(t, "Person:7", res.TaskKey)
	f.requireAnonymized(t)

	status, err := f.orch.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, "completed", status.Status)
	require.Len(t, status.Requests, 1)
	require.True(t, status.Requests[0].Done)
	require.Equal(t, 1, status.Summary.Completed)
	require.Zero(t, status.Summary.Pending)

	runs, err := f.orch.History(ctx, "Person:7", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, res.RunID, runs[0].ID)
	require.Equal(t, "step", runs[0].Command)
	require.Equal(t, "completed", runs[0].Outcome)
	require.EqualValues(t, 3, runs[0].Rows)
	require.NotNil(t, runs[0].CompletedAt)

	// A completed action is never executed again.
	res, err = f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)
	require.Equal(t, "completed", res.Outcome)
	require.Zero(t, res.Rows)
}

func TestStep_IncompleteWhenSliceEnds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "  slice_duration: 1ns", Options{})

	res, err := f.orch.Step(ctx, johnDoe())
	require.Error(t, err)
	require.Equal(t, exitcodes.Incomplete, exitcodes.FromError(err))
	require.Equal(t, "timed_out", res.Outcome)
	require.Equal(t, "planned", res.Status)

	status, err := f.orch.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, "planned", status.Status)
	require.Equal(t, 2, status.ChunkSize)
}

func TestRun_StopsAtMaxSlicesThenResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "  slice_duration: 1ns\n  max_slices: 2", Options{})

	res, err := f.orch.Run(ctx, johnDoe())
	require.Equal(t, exitcodes.Incomplete, exitcodes.FromError(err))
	require.Equal(t, 2, res.Slices)

	f.orch.config.Anonymizer.SliceDuration = time.Minute
	res, err = f.orch.Run(ctx, johnDoe())
	require.NoError(t, err)
	require.Equal(t, "completed", res.Outcome)
	require.Equal(t, 3, res.Rows)
	f.requireAnonymized(t)

	runs, err := f.orch.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "completed", runs[0].Outcome)
	require.Equal(t, "timed_out", runs[1].Outcome)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, "", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Run(ctx, johnDoe())
	require.Error(t, err)
	require.Equal(t, exitcodes.Cancelled, exitcodes.FromError(err))
}

func TestStep_InvalidSubject(t *testing.T) {
	f := newFixture(t, "", Options{})

	_, err := f.orch.Step(context.Background(), plan.Subject{Class: "Person"})
	require.Error(t, err)
	require.Equal(t, exitcodes.ConfigError, exitcodes.FromError(err))
}

func TestStep_LockedByAnotherInvocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{})

	release, err := f.orch.store.(checkpoint.Locker).Lock(ctx, "Person:7", time.Hour)
	require.NoError(t, err)

	_, err = f.orch.Step(ctx, johnDoe())
	require.ErrorIs(t, err, checkpoint.ErrLocked)
	require.Equal(t, exitcodes.Locked, exitcodes.FromError(err))
	require.ErrorIs(t, f.orch.Reset(ctx, "Person:7"), checkpoint.ErrLocked)

	require.NoError(t, release())
	_, err = f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)

	runs, err := f.orch.History(ctx, "Person:7", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "locked", runs[1].Outcome)
}

func TestStep_TaskKeyOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{TaskKey: "anonymize-7"})

	res, err := f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)
	require.Equal(t, "anonymize-7", res.TaskKey)

	status, err := f.orch.Status(ctx, "anonymize-7")
	require.NoError(t, err)
	require.Equal(t, "completed", status.Status)
}

func TestStep_JSONProgress(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, "", Options{JSONProgress: &buf})

	_, err := f.orch.Step(context.Background(), johnDoe())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	var last struct {
		Phase       string  `json:"phase"`
		ProgressPct float64 `json:"progress_pct"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.Equal(t, "completed", last.Phase)
	require.EqualValues(t, 100, last.ProgressPct)
	require.NotContains(t, buf.String(), "John Doe")
}

func TestStep_SealsStateAtRest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "  slice_duration: 1ns", Options{})
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	t.Setenv(checkpoint.StateKeyEnv, key)

	// Reopen so the store picks up the key.
	o, err := New(ctx, f.orch.config, Options{})
	require.NoError(t, err)
	defer o.Close()

	_, err = o.Step(ctx, johnDoe())
	require.Equal(t, exitcodes.Incomplete, exitcodes.FromError(err))

	data, err := os.ReadFile(f.stateFile)
	require.NoError(t, err)
	require.NotContains(t, string(data), "John Doe")

	status, err := o.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, "planned", status.Status)
}

func TestPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("counts rows without SQL", func(t *testing.T) {
		f := newFixture(t, "", Options{})
		res, err := f.orch.Plan(ctx, johnDoe(), true)
		require.NoError(t, err)
		require.Len(t, res.Requests, 1)
		require.Equal(t, "0:ticket.public_log@Person", res.Requests[0].Name)
		require.NotNil(t, res.Requests[0].Rows)
		require.EqualValues(t, 3, *res.Requests[0].Rows)
		require.EqualValues(t, 3, res.TotalRows)
		require.Empty(t, res.Requests[0].Select)

		out, err := json.Marshal(res)
		require.NoError(t, err)
		require.NotContains(t, string(out), "John Doe")

		status, err := f.orch.Status(ctx, "Person:7")
		require.NoError(t, err)
		require.Equal(t, StatusNotPlanned, status.Status, "plan must not persist state")
	})

	t.Run("verbose includes SQL", func(t *testing.T) {
		f := newFixture(t, "", Options{Verbose: true})
		res, err := f.orch.Plan(ctx, johnDoe(), false)
		require.NoError(t, err)
		require.Len(t, res.Requests, 1)
		require.Nil(t, res.Requests[0].Rows)
		require.Contains(t, res.Requests[0].Select, "ORDER BY")
		require.NotEmpty(t, res.Requests[0].SQL)
	})

	t.Run("disabled mode plans nothing", func(t *testing.T) {
		f := newFixture(t, "  on_mention: disabled", Options{})
		res, err := f.orch.Plan(ctx, johnDoe(), true)
		require.NoError(t, err)
		require.Empty(t, res.Requests)
	})
}

func TestCountQuery(t *testing.T) {
	got := countQuery(`SELECT "id" FROM "ticket" WHERE x LIKE '%a%' ORDER BY "id"`)
	require.Equal(t, `SELECT COUNT(*) FROM (SELECT "id" FROM "ticket" WHERE x LIKE '%a%') matched`, got)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{})

	_, err := f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)
	require.NoError(t, f.orch.Reset(ctx, "Person:7"))

	status, err := f.orch.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, StatusNotPlanned, status.Status)
	require.Nil(t, status.State)
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{})

	res, err := f.orch.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy, "%+v", res)
	require.True(t, res.DBConnected)
	require.True(t, res.StateReachable)
	require.Equal(t, 1, res.TablesChecked)
	require.NotNil(t, res.Pool)
	require.Equal(t, "sqlite", res.DBType)

	catalog, err := schema.NewStaticCatalog(schema.Definition{
		MentionTriggers: []string{"Ticket"},
		Classes: []schema.ClassDef{
			{Name: "Ticket", Table: "ticket", Attributes: []schema.AttributeDef{
				{Code: "notes", Kind: "text"},
			}},
		},
	})
	require.NoError(t, err)
	f.orch.catalog = catalog

	res, err = f.orch.HealthCheck(ctx)
	require.NoError(t, err)
	require.False(t, res.Healthy)
	require.Len(t, res.SchemaErrors, 1)
	require.Contains(t, res.SchemaErrors[0], "ticket")
}

func TestStep_CleansUpUserAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Options{})
	f.db.MustExec(`CREATE TABLE priv_user (id INTEGER PRIMARY KEY, contactid INTEGER, status TEXT)`)
	f.db.MustExec(`CREATE TABLE priv_change (id INTEGER PRIMARY KEY, user_id INTEGER, userinfo TEXT)`)
	f.db.MustExec(`INSERT INTO priv_user VALUES (12, 7, 'enabled'), (20, 8, 'enabled')`)
	f.db.MustExec(`INSERT INTO priv_change VALUES (1, 12, 'John Doe'), (2, 20, 'Jane Roe')`)

	f.orch.config.Schema.Users = schema.UsersDef{
		Table:         "priv_user",
		ContactColumn: "contactid",
		Reset:         map[string]string{"status": "disabled"},
		Changes:       []schema.ChangeDef{{Table: "priv_change", UserColumn: "user_id", Columns: []string{"userinfo"}}},
	}
	f.orch.planner = plan.New(f.orch.catalog, f.orch.drv.Dialect(), f.orch.config.PlanOptions())

	health, err := f.orch.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, health.Healthy, "%+v", health)
	require.Equal(t, 3, health.TablesChecked)

	res, err := f.orch.Step(ctx, johnDoe())
	require.NoError(t, err)
	require.Equal(t, "completed", res.Outcome)
	f.requireAnonymized(t)

	var statuses []string
	require.NoError(t, f.db.Select(&statuses, `SELECT status FROM priv_user ORDER BY id`))
	require.Equal(t, []string{"disabled", "enabled"}, statuses)
	var infos []string
	require.NoError(t, f.db.Select(&infos, `SELECT userinfo FROM priv_change ORDER BY id`))
	require.Equal(t, []string{"Anonymous 7", "Jane Roe"}, infos)

	status, err := f.orch.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, 1, status.Summary.Members)
	require.Equal(t, 1, status.Summary.MembersStarted)
	require.Equal(t, "12", status.User)
}

// mockFixture builds an orchestrator over a MySQL connection whose
// key selections always lose the connection.
func mockFixture(t *testing.T, maxChunk int) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	t.Setenv(checkpoint.StateKeyEnv, "")
	yml := fmt.Sprintf(`
database:
  type: mysql
  host: db.example.com
  database: itop
state:
  backend: file
  file: %s
anonymizer:
  max_chunk_size: %d
  retry_delay: 1ms
  max_retry_delay: 2ms
%s`, filepath.Join(t.TempDir(), "state.yaml"), maxChunk, schemaYAML)
	cfg, err := config.LoadBytes([]byte(yml))
	require.NoError(t, err)

	o, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	o.db = sqlx.NewDb(mockDB, "mysql")
	t.Cleanup(o.Close)
	return o, mock
}

func TestStep_LostConnectionShrinksChunkSize(t *testing.T) {
	ctx := context.Background()
	o, mock := mockFixture(t, 4)
	mock.ExpectQuery("SELECT .* LIMIT 4 OFFSET 0").WillReturnError(gomysql.ErrInvalidConn)

	res, err := o.Step(ctx, johnDoe())
	require.Equal(t, exitcodes.Incomplete, exitcodes.FromError(err))
	require.Equal(t, "awaiting_retry", res.Outcome)
	require.Equal(t, 3, res.ChunkSize)
	require.NoError(t, mock.ExpectationsWereMet())

	status, err := o.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, 3, status.ChunkSize)
	require.Equal(t, 0, status.Requests[0].Cursor)
}

func TestRun_AbandonsAtChunkSizeOne(t *testing.T) {
	ctx := context.Background()
	o, mock := mockFixture(t, 2)
	mock.ExpectQuery("SELECT .* LIMIT 2 OFFSET 0").WillReturnError(gomysql.ErrInvalidConn)
	mock.ExpectQuery("SELECT .* LIMIT 1 OFFSET 0").WillReturnError(gomysql.ErrInvalidConn)

	res, err := o.Run(ctx, johnDoe())
	require.Equal(t, exitcodes.Abandoned, exitcodes.FromError(err))
	require.Equal(t, "abandoned", res.Outcome)
	require.Equal(t, 2, res.Slices)
	require.NoError(t, mock.ExpectationsWereMet())

	status, err := o.Status(ctx, "Person:7")
	require.NoError(t, err)
	require.Equal(t, "abandoned", status.Status)
	require.Len(t, status.Requests, 1)
	require.False(t, status.Requests[0].Done)

	runs, err := o.History(ctx, "Person:7", 1)
	require.NoError(t, err)
	require.Equal(t, "abandoned", runs[0].Outcome)
	require.Empty(t, runs[0].Error)
}

func TestHistory_MemoryBackend(t *testing.T) {
	o := &Orchestrator{config: &config.Config{State: config.StateConfig{Backend: "memory"}}, store: checkpoint.NewMemory()}
	_, err := o.History(context.Background(), "", 10)
	require.Error(t, err)
	require.False(t, errors.Is(err, context.Canceled))
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		class, id string
		want      plan.Subject
		wantErr   bool
	}{
		{
			name: "numeric id in document",
			doc:  `{"class":"Person","id":7,"origin":{"friendlyname":"John Doe","email":"john@example.com"},"anonymized":{"friendlyname":"Anonymous 7","email":"anon7@example.invalid"}}`,
			want: johnDoe(),
		},
		{
			name:  "flags override",
			doc:   `{"class":"Contact","id":"1","origin":{"friendlyname":"John Doe","email":"john@example.com"},"anonymized":{"friendlyname":"Anonymous 7","email":"anon7@example.invalid"}}`,
			class: "Person",
			id:    "7",
			want:  johnDoe(),
		},
		{
			name: "no id",
			doc:  `{"origin":{"friendlyname":"John Doe"}}`,
			want: plan.Subject{Origin: plan.Identity{FriendlyName: "John Doe"}},
		},
		{
			name:    "not json",
			doc:     `origin: John`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubject([]byte(tt.doc), tt.class, tt.id)
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, exitcodes.ConfigError, exitcodes.FromError(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/schema"
	"github.com/johndauphine/mention-anonymizer/internal/stats"
)

// HealthCheck tests the database and the state store.
// The two checks run in parallel, each with its own timeout, so a slow
// store does not eat into the database budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp:    time.Now().Format(time.RFC3339),
		DBType:       o.drv.Name(),
		StateBackend: o.config.State.Backend,
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		dbCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		db, err := o.database(dbCtx)
		if err == nil {
			err = db.PingContext(dbCtx)
		}
		if err != nil {
			result.DBError = err.Error()
		} else {
			result.DBConnected = true
			ps := stats.FromDB(o.drv.Name(), db.Stats())
			result.Pool = &ps
			result.TablesChecked, result.SchemaErrors = o.checkSchema(dbCtx)
		}
		result.DBLatencyMs = time.Since(start).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		stateCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if _, err := o.store.Load(stateCtx, "healthcheck"); err != nil {
			result.StateError = err.Error()
		} else {
			result.StateReachable = true
		}
		result.StateLatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.DBConnected && result.StateReachable && len(result.SchemaErrors) == 0
	return result, nil
}

// checkSchema selects the key and text columns of every table a mention
// could be rewritten in, without fetching rows. A missing table or
// column shows up here instead of as a skipped request mid-run.
func (o *Orchestrator) checkSchema(ctx context.Context) (int, []string) {
	tables := o.rewrittenTables()
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	q := o.drv.Dialect().QuoteIdentifier
	var problems []string
	for _, name := range names {
		cols := tables[name]
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = q(c)
		}
		query := "SELECT " + strings.Join(quoted, ", ") + " FROM " + q(name) + " WHERE 1 = 0"
		rows, err := o.db.QueryContext(ctx, query)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		rows.Close()
	}
	return len(names), problems
}

// rewrittenTables maps each table holding text of a mention-trigger class
// to its key column followed by its text columns. Users and change tables
// are included when user cleanup is configured.
func (o *Orchestrator) rewrittenTables() map[string][]string {
	tables := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(table, column string) {
		if seen[table+"."+column] {
			return
		}
		seen[table+"."+column] = true
		tables[table] = append(tables[table], column)
	}

	for _, trigger := range o.catalog.MentionTriggerClasses() {
		for _, class := range append([]string{trigger}, o.catalog.Subclasses(trigger)...) {
			key, err := o.catalog.KeyColumn(class)
			if err != nil {
				continue
			}
			attrs, err := o.catalog.Attributes(class)
			if err != nil {
				continue
			}
			for _, a := range attrs {
				if a.Kind == schema.KindOther {
					continue
				}
				add(a.Table, key)
				for _, c := range a.Columns {
					add(a.Table, c)
				}
			}
		}
	}

	if u := o.config.Schema.Users; u.Enabled() {
		add(u.Table, u.KeyColumn())
		add(u.Table, u.ContactColumn)
		cols := make([]string, 0, len(u.Reset))
		for c := range u.Reset {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			add(u.Table, c)
		}
		for _, c := range u.Changes {
			add(c.Table, c.KeyColumn())
			add(c.Table, c.UserColumn)
			for _, col := range c.Columns {
				add(c.Table, col)
			}
		}
	}
	return tables
}

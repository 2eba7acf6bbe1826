package sqlite

import (
	"fmt"
	"strings"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

// QuoteIdentifier uses backticks. SQLite reads an unknown double-quoted
// identifier as a string literal, which would hide a missing column.
func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (d *Dialect) ContainsPredicate(column, needle string) string {
	return driver.StandardContains(d, column, needle)
}

func (d *Dialect) LimitOffset(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// BuildDSN treats database as a file path. Host, port and credentials
// do not apply.
func (d *Dialect) BuildDSN(_ string, _ int, database, _, _ string, opts map[string]any) string {
	if database == ":memory:" || strings.HasPrefix(database, "file:") {
		return database
	}
	dsn := database + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if fk, ok := opts["foreign_keys"].(bool); ok && fk {
		dsn += "&_pragma=foreign_keys(1)"
	}
	return dsn
}

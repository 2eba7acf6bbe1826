package driver

import (
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences.
// Each database driver provides its own Dialect implementation.
type Dialect interface {
	// DBType returns the database type (e.g., "mysql", "postgres").
	DBType() string

	// QuoteIdentifier quotes an identifier (table, column name).
	// PostgreSQL: "identifier"
	// MSSQL: [identifier]
	// MySQL: `identifier`
	QuoteIdentifier(name string) string

	// QuoteLiteral renders s as a string literal safe to embed in SQL text.
	QuoteLiteral(s string) string

	// ContainsPredicate returns a predicate matching rows whose column
	// contains needle as a substring, with LIKE wildcards escaped.
	ContainsPredicate(column, needle string) string

	// LimitOffset returns the clause appended to an ordered SELECT to
	// fetch limit rows starting at offset.
	LimitOffset(offset, limit int) string

	// BuildDSN builds a connection string for this database.
	BuildDSN(host string, port int, database, user, password string, opts map[string]any) string
}

// LikeEscape is the escape character used by ContainsPredicate.
const LikeEscape = "!"

// EscapeLike escapes LIKE wildcards in s using LikeEscape.
func EscapeLike(s string) string {
	r := strings.NewReplacer(
		LikeEscape, LikeEscape+LikeEscape,
		"%", LikeEscape+"%",
		"_", LikeEscape+"_",
	)
	return r.Replace(s)
}

// StandardContains builds a portable substring predicate.
// Dialects whose LIKE follows the SQL standard share this implementation.
func StandardContains(d Dialect, column, needle string) string {
	pattern := d.QuoteLiteral("%" + EscapeLike(needle) + "%")
	return column + " LIKE " + pattern + " ESCAPE '" + LikeEscape + "'"
}

// Replace renders REPLACE(expr, from, to), which every supported
// database spells the same way.
func Replace(d Dialect, expr, from, to string) string {
	return "REPLACE(" + expr + ", " + d.QuoteLiteral(from) + ", " + d.QuoteLiteral(to) + ")"
}

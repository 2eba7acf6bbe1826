package postgres

import (
	"fmt"
	"net/url"

	"github.com/lib/pq"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// QuoteLiteral uses lib/pq, which switches to E'' syntax when s holds backslashes.
func (d *Dialect) QuoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}

func (d *Dialect) ContainsPredicate(column, needle string) string {
	return driver.StandardContains(d, column, needle)
}

func (d *Dialect) LimitOffset(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	encodedUser := url.QueryEscape(user)
	encodedPassword := url.QueryEscape(password)
	encodedDatabase := url.QueryEscape(database)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		encodedUser, encodedPassword, host, port, encodedDatabase)

	params := url.Values{}
	if sslMode, ok := opts["sslmode"].(string); ok && sslMode != "" {
		params.Set("sslmode", sslMode)
	} else {
		params.Set("sslmode", "prefer")
	}
	if appName, ok := opts["application_name"].(string); ok && appName != "" {
		params.Set("application_name", appName)
	}

	return dsn + "?" + params.Encode()
}

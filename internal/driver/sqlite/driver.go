// Package sqlite provides an embedded SQLite driver backed by modernc.org/sqlite.
// It is used for local runs and for end-to-end tests of the chunk executor.
package sqlite

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQLite files.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlite3"}
}

// SQLDriverName returns the modernc registration name.
func (d *Driver) SQLDriverName() string {
	return "sqlite"
}

// Defaults returns the default configuration values for SQLite.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{}
}

// Dialect returns the SQLite dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// IsConnectionLost treats a busy or locked database as transient. The
// extended result codes share the primary code in their low byte.
func (d *Driver) IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return driver.IsNetworkError(err)
}

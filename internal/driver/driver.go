// Package driver provides pluggable database driver abstractions.
// Each database (MySQL, PostgreSQL, MSSQL, SQLite) implements the Driver
// interface so the planner and the chunk executor stay dialect-agnostic.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
)

// DriverDefaults contains default values for a database driver.
// Used by config.applyDefaults() to set sensible defaults for each database type.
type DriverDefaults struct {
	// Port is the default port (e.g., 3306 for MySQL, 5432 for PostgreSQL).
	Port int

	// SSLMode is the default SSL mode for PostgreSQL-style connections.
	SSLMode string

	// Encrypt is the default encryption setting for MSSQL-style connections.
	Encrypt bool
}

// ConnConfig is the connection information a driver needs to build a DSN.
type ConnConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Options  map[string]any
}

// Driver represents a pluggable database driver.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "mysql", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// SQLDriverName is the name registered with database/sql.
	SQLDriverName() string

	// Defaults returns the default configuration values for this driver.
	Defaults() DriverDefaults

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// IsConnectionLost reports whether err means the statement never reached
	// a healthy server (lost connection, server gone away, failover) so the
	// same work can be retried later without marking anything failed.
	IsConnectionLost(err error) bool
}

// OpenDSN opens a pooled connection for d and verifies it with a ping.
func OpenDSN(ctx context.Context, d Driver, dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open(d.SQLDriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", d.Name(), err)
	}

	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", d.Name(), err)
	}
	return db, nil
}

// IsNetworkError covers the connection failures every driver shares:
// broken pooled connections, closed connections, resets and dial errors.
// Driver implementations call it before their own error-code checks.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

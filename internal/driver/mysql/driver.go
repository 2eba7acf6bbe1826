// Package mysql provides the MySQL/MariaDB driver implementation.
// It is the default database type for the anonymizer.
package mysql

import (
	"errors"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for MySQL and MariaDB.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mysql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"mariadb"}
}

// SQLDriverName returns the go-sql-driver registration name.
func (d *Driver) SQLDriverName() string {
	return "mysql"
}

// Defaults returns the default configuration values for MySQL.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{
		Port: 3306,
	}
}

// Dialect returns the MySQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errServerGone      = 2006
	errServerLost      = 2013
	errTooManyConns    = 1040
	errServerShutdown  = 1053
)

// IsConnectionLost covers "server has gone away", lost connections during a
// query, deadlocks and lock wait timeouts. A transaction rolled back for any
// of these leaves no partial chunk behind.
func (d *Driver) IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errDeadlock, errServerGone, errServerLost, errTooManyConns, errServerShutdown:
			return true
		}
		return false
	}
	return driver.IsNetworkError(err)
}

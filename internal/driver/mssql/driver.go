// Package mssql provides the Microsoft SQL Server driver implementation.
package mssql

import (
	"errors"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for Microsoft SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// SQLDriverName returns the go-mssqldb registration name.
func (d *Driver) SQLDriverName() string {
	return "sqlserver"
}

// Defaults returns the default configuration values for MSSQL.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{
		Port:    1433,
		Encrypt: true, // Secure default
	}
}

// Dialect returns the MSSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Error numbers that mean the batch did not commit and can be replayed.
var retryableErrors = map[int32]bool{
	1205:  true, // deadlock victim
	233:   true, // no process on the other end of the pipe
	10053: true, // transport-level error
	10054: true, // connection reset by peer
	40197: true, // service error processing request (Azure failover)
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true, // not enough resources
}

// IsConnectionLost reports transport failures and the transient server
// errors listed above.
func (d *Driver) IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	var msErr mssqldb.Error
	if errors.As(err, &msErr) {
		return retryableErrors[msErr.Number]
	}
	return driver.IsNetworkError(err)
}

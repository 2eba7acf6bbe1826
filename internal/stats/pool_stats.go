// Package stats summarizes database/sql pool statistics for logs and the
// health command.
package stats

import (
	"database/sql"
	"fmt"
)

// PoolStats contains connection pool statistics for logging.
type PoolStats struct {
	DBType      string `json:"db_type"`
	MaxConns    int    `json:"max_conns"`
	ActiveConns int    `json:"active_conns"`
	IdleConns   int    `json:"idle_conns"`
	WaitCount   int64  `json:"wait_count"`
	WaitTimeMs  int64  `json:"wait_time_ms"`
}

// FromDB converts sql.DBStats.
func FromDB(dbType string, s sql.DBStats) PoolStats {
	return PoolStats{
		DBType:      dbType,
		MaxConns:    s.MaxOpenConnections,
		ActiveConns: s.InUse,
		IdleConns:   s.Idle,
		WaitCount:   s.WaitCount,
		WaitTimeMs:  s.WaitDuration.Milliseconds(),
	}
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.DBType, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(max(s.WaitCount, 1)))
}

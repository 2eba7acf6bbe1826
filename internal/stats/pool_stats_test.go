package stats

import (
	"database/sql"
	"testing"
	"time"
)

func TestFromDB(t *testing.T) {
	s := FromDB("mysql", sql.DBStats{
		MaxOpenConnections: 4,
		InUse:              1,
		Idle:               2,
		WaitCount:          4,
		WaitDuration:       10 * time.Millisecond,
	})

	want := "mysql: 1/4 active, 2 idle, 4 waits (2.5ms avg)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if got := FromDB("sqlite", sql.DBStats{}).String(); got != "sqlite: 0/0 active, 0 idle, 0 waits (0.0ms avg)" {
		t.Errorf("zero stats = %q", got)
	}
}

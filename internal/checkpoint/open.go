package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string // sqlite, file, redis, memory
	DataDir   string
	File      string
	RedisURL  string
	KeyPrefix string
	Sealer    *Sealer
}

// Open creates the Store named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "sqlite":
		return NewSQLite(opts.DataDir, opts.Sealer)
	case "file", "yaml":
		path := opts.File
		if path == "" {
			path = filepath.Join(opts.DataDir, "anonymizer-state.yaml")
		}
		return NewFileState(path, opts.Sealer)
	case "redis":
		return NewRedis(ctx, opts.RedisURL, opts.KeyPrefix, opts.Sealer)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state backend: %q (valid: sqlite, file, redis, memory)", opts.Backend)
	}
}

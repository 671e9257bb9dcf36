package store

import (
	"context"

	"github.com/btouchard/stride/internal/errs"
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver      string
	Path        string
	RedisURL    string
	RedisPrefix string
	Production  bool
}

// Open builds the Store named by opts.Driver. The in-memory store is refused
// in production.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(opts.Path)
	case DriverMemory:
		if opts.Production {
			return nil, errs.Configuration("memory store is not allowed in production")
		}
		return NewMemoryStore(), nil
	case DriverRedis:
		client, err := ConnectRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts.RedisPrefix), nil
	}
	return nil, errs.Configuration("unknown database driver %q", opts.Driver)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// Describe returns a short human-readable name for logs.
func Describe(opts Options) string {
	switch opts.Driver {
	case DriverMemory:
		return "memory"
	case DriverRedis:
		return "redis"
	}
	return "sqlite " + opts.Path
}

// Package backend selects and opens a store.Store implementation by driver name.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/internal/store/postgres"
	"github.com/ankittk/taskcoord/internal/store/sqlite"
)

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures how to open the store (driver and location).
type Options struct {
	Driver      string        // "file" (default), "sqlite" or "postgres"
	Home        string        // base directory for file and sqlite stores
	DSN         string        // sqlite path or postgres connection string; overrides Home
	LockTimeout time.Duration // bound on backend-level lock waits
}

// Open opens the store described by opts.
func Open(ctx context.Context, opts Options) (store.Store, error) {
	switch opts.Driver {
	case "", DriverFile:
		fopts := store.FileOptions{LockTimeout: opts.LockTimeout}
		var (
			s   *store.FileStore
			err error
		)
		if opts.DSN != "" {
			s, err = store.OpenFile(opts.DSN, fopts)
		} else {
			s, err = store.Open(opts.Home, fopts)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		var (
			s   *sqlite.Store
			err error
		)
		if opts.DSN != "" {
			s, err = sqlite.OpenPath(opts.DSN, opts.LockTimeout)
		} else {
			s, err = sqlite.Open(opts.Home, opts.LockTimeout)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := postgres.Open(ctx, opts.DSN, opts.LockTimeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q (want file, sqlite or postgres)", opts.Driver)
}

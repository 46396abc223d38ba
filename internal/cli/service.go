package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/config"
	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store/backend"
)

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := config.FromContext(cmd.Context())
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// openService opens the configured store directly. The returned function closes it.
// The store's own locking keeps this safe alongside a running daemon.
func openService(cmd *cobra.Command) (*coord.Service, func(), error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := backend.Open(cmd.Context(), backend.Options{
		Driver:      cfg.Store.Driver,
		Home:        cfg.Home,
		DSN:         cfg.Store.DSN,
		LockTimeout: cfg.Lock.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	svc := coord.New(st, coord.WithLockTimeout(cfg.Lock.Timeout), coord.WithLogger(slog.Default()))
	return svc, func() { _ = st.Close() }, nil
}

// retryLocked runs fn, retrying while it fails with a lock timeout. Every other
// error is returned at once. A zero MaxElapsed disables retries.
func retryLocked(ctx context.Context, r config.RetryConfig, fn func() error) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.MaxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		if r.InitialInterval > 0 {
			exp.InitialInterval = r.InitialInterval
		}
		exp.MaxElapsedTime = r.MaxElapsed
		b = exp
	}
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || outbox.IsLockTimeout(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Debug("lock busy, retrying", "err", err, "wait", wait)
	})
}

// run opens the service, runs fn with lock-timeout retries and closes the store.
func run(cmd *cobra.Command, fn func(ctx context.Context, svc *coord.Service) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	svc, closeStore, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	ctx := cmd.Context()
	return retryLocked(ctx, cfg.Lock.Retry, func() error { return fn(ctx, svc) })
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

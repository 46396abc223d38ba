package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// Store is the PostgreSQL implementation of store.Store: one JSONB document per agent.
type Store struct {
	Pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be empty to use
// DATABASE_URL. lockTimeout bounds the wait for a row lock in Update.
func Open(ctx context.Context, dsn string, lockTimeout time.Duration) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool, lockTimeout: lockTimeout}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, o *models.Outbox) error {
	doc, err := outbox.Encode(o)
	if err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx,
		`INSERT INTO outboxes(agent_id, document) VALUES($1, $2::jsonb) ON CONFLICT (agent_id) DO NOTHING`,
		o.AgentID, string(doc))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, agentID string) (*models.Outbox, error) {
	var doc string
	err := s.Pool.QueryRow(ctx, `SELECT document::text FROM outboxes WHERE agent_id = $1`, agentID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return outbox.Decode([]byte(doc))
}

// Update implements store.Store. The row is held with SELECT ... FOR UPDATE for the
// duration of fn; a competing writer waits at most the configured lock timeout.
func (s *Store) Update(ctx context.Context, agentID string, fn func(*models.Outbox) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	timeout := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms"
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return mapErr(err)
	}
	var doc string
	err = tx.QueryRow(ctx, `SELECT document::text FROM outboxes WHERE agent_id = $1 FOR UPDATE`, agentID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}
	o, err := outbox.Decode([]byte(doc))
	if err != nil {
		return err
	}
	if err := fn(o); err != nil {
		return err
	}
	next, err := outbox.Encode(o)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE outboxes SET document = $1::jsonb, updated_at = now() WHERE agent_id = $2`,
		string(next), agentID); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT agent_id FROM outboxes ORDER BY agent_id`)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapErr(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return fmt.Errorf("%w: %v", store.ErrLocked, err)
	}
	return err
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type mig struct {
		version   int
		name, sql string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// Package postgres provides the durable state.Backend shared by the
// supervisor and its engine processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTablePrefix names the tables when Config.TablePrefix is empty.
const DefaultTablePrefix = "harvest"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

type tables struct {
	state       string
	checkpoints string
	urls        string
	queue       string
	errors      string
}

func newTables(prefix string) (tables, error) {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if !validTablePrefix.MatchString(prefix) {
		return tables{}, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return tables{
		state:       prefix + "_state",
		checkpoints: prefix + "_checkpoints",
		urls:        prefix + "_urls",
		queue:       prefix + "_queue",
		errors:      prefix + "_errors",
	}, nil
}

// Store implements state.Backend on Postgres.
type Store struct {
	pool dbPool
	t    tables
}

var _ state.Backend = (*Store)(nil)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	t, err := newTables(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, t: t}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool, prefix string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(prefix)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, t: t}, nil
}

func (s *Store) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identity        TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'idle',
	reason          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	paused          BOOLEAN NOT NULL DEFAULT FALSE,
	version         BIGINT NOT NULL DEFAULT 0,
	pid             INTEGER NOT NULL DEFAULT 0,
	current_section TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ,
	stopped_at      TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ,
	recurring       BOOLEAN NOT NULL DEFAULT FALSE,
	last_rescan_at  TIMESTAMPTZ,
	details_crawled BIGINT NOT NULL DEFAULT 0,
	error_total     BIGINT NOT NULL DEFAULT 0,
	stats           JSONB
)`, s.t.state),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identity    TEXT NOT NULL,
	section     TEXT NOT NULL,
	last_offset INTEGER NOT NULL DEFAULT 0,
	complete    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (identity, section)
)`, s.t.checkpoints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identity TEXT NOT NULL,
	kind     TEXT NOT NULL,
	url      TEXT NOT NULL,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity, kind, url)
)`, s.t.urls),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id       BIGSERIAL PRIMARY KEY,
	identity TEXT NOT NULL,
	link     JSONB NOT NULL,
	claimed  BOOLEAN NOT NULL DEFAULT FALSE
)`, s.t.queue),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_identity_idx ON %s (identity, id)`, s.t.queue, s.t.queue),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	identity    TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	error_type  TEXT NOT NULL,
	url         TEXT NOT NULL,
	message     TEXT NOT NULL
)`, s.t.errors),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_identity_idx ON %s (identity, id DESC)`, s.t.errors, s.t.errors),
	}
}

// EnsureSchema creates the tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping implements state.Backend.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// GetState implements state.Backend. A missing row reads as idle.
func (s *Store) GetState(ctx context.Context, identity string) (crawler.PipelineState, error) {
	query := fmt.Sprintf(`
SELECT status, reason, error, paused, version, pid, current_section,
       started_at, stopped_at, updated_at, recurring, last_rescan_at
FROM %s WHERE identity = $1`, s.t.state)

	st := crawler.PipelineState{Identity: identity}
	var status string
	err := s.pool.QueryRow(ctx, query, identity).Scan(
		&status,
		&st.Reason,
		&st.Error,
		&st.Paused,
		&st.Version,
		&st.PID,
		&st.CurrentSection,
		&st.StartedAt,
		&st.StoppedAt,
		&st.UpdatedAt,
		&st.Recurring,
		&st.LastRescanAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.PipelineState{Identity: identity, Status: crawler.StatusIdle}, nil
		}
		return crawler.PipelineState{}, fmt.Errorf("get state: %w", err)
	}
	st.Status = crawler.Status(status)
	return st, nil
}

// SetStatus implements state.Backend.
func (s *Store) SetStatus(
	ctx context.Context,
	identity string,
	status crawler.Status,
	details crawler.StatusDetails,
	at time.Time,
) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (identity, status, reason, error, pid, current_section, started_at, stopped_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
ON CONFLICT (identity) DO UPDATE SET
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	error = EXCLUDED.error,
	pid = CASE WHEN EXCLUDED.pid <> 0 THEN EXCLUDED.pid ELSE %[1]s.pid END,
	current_section = COALESCE(NULLIF(EXCLUDED.current_section, ''), %[1]s.current_section),
	started_at = COALESCE(EXCLUDED.started_at, %[1]s.started_at),
	stopped_at = COALESCE(EXCLUDED.stopped_at, %[1]s.stopped_at),
	updated_at = EXCLUDED.updated_at,
	version = %[1]s.version + 1
RETURNING version`, s.t.state)

	var version int64
	err := s.pool.QueryRow(
		ctx,
		query,
		identity,
		string(status),
		details.Reason,
		details.Error,
		details.PID,
		details.Section,
		nullableTime(details.StartedAt),
		nullableTime(details.StoppedAt),
		at.UTC(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("set status: %w", err)
	}
	return version, nil
}

// SetPaused implements state.Backend.
func (s *Store) SetPaused(ctx context.Context, identity string, paused bool) error {
	query := fmt.Sprintf(`
INSERT INTO %s (identity, paused) VALUES ($1, $2)
ON CONFLICT (identity) DO UPDATE SET paused = EXCLUDED.paused`, s.t.state)
	if _, err := s.pool.Exec(ctx, query, identity, paused); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// SetRecurring implements state.Backend.
func (s *Store) SetRecurring(ctx context.Context, identity string, armed bool, lastRescan time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (identity, recurring, last_rescan_at) VALUES ($1, $2, $3)
ON CONFLICT (identity) DO UPDATE SET
	recurring = EXCLUDED.recurring,
	last_rescan_at = COALESCE(EXCLUDED.last_rescan_at, %[1]s.last_rescan_at)`, s.t.state)
	if _, err := s.pool.Exec(ctx, query, identity, armed, nullableTime(lastRescan)); err != nil {
		return fmt.Errorf("set recurring: %w", err)
	}
	return nil
}

// GetCheckpoint implements state.Backend.
func (s *Store) GetCheckpoint(ctx context.Context, identity, section string) (crawler.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT last_offset, complete FROM %s WHERE identity = $1 AND section = $2`, s.t.checkpoints)
	cp := crawler.Checkpoint{Section: section}
	if err := s.pool.QueryRow(ctx, query, identity, section).Scan(&cp.LastOffset, &cp.Complete); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Checkpoint{}, state.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints implements state.Backend.
func (s *Store) ListCheckpoints(ctx context.Context, identity string) ([]crawler.Checkpoint, error) {
	query := fmt.Sprintf(`
SELECT section, last_offset, complete FROM %s WHERE identity = $1 ORDER BY section`, s.t.checkpoints)
	rows, err := s.pool.Query(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []crawler.Checkpoint
	for rows.Next() {
		var cp crawler.Checkpoint
		if err := rows.Scan(&cp.Section, &cp.LastOffset, &cp.Complete); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// SetCheckpointOffset implements state.Backend.
func (s *Store) SetCheckpointOffset(ctx context.Context, identity, section string, offset int) error {
	query := fmt.Sprintf(`
INSERT INTO %s (identity, section, last_offset) VALUES ($1, $2, $3)
ON CONFLICT (identity, section) DO UPDATE SET last_offset = EXCLUDED.last_offset`, s.t.checkpoints)
	if _, err := s.pool.Exec(ctx, query, identity, section, offset); err != nil {
		return fmt.Errorf("set checkpoint offset: %w", err)
	}
	return nil
}

// SetCheckpointComplete implements state.Backend.
func (s *Store) SetCheckpointComplete(ctx context.Context, identity, section string, complete bool) error {
	query := fmt.Sprintf(`
INSERT INTO %s (identity, section, complete) VALUES ($1, $2, $3)
ON CONFLICT (identity, section) DO UPDATE SET complete = EXCLUDED.complete`, s.t.checkpoints)
	if _, err := s.pool.Exec(ctx, query, identity, section, complete); err != nil {
		return fmt.Errorf("set checkpoint complete: %w", err)
	}
	return nil
}

// AddURL implements state.Backend.
func (s *Store) AddURL(ctx context.Context, identity string, set state.URLSet, url string) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (identity, kind, url) VALUES ($1, $2, $3)
ON CONFLICT (identity, kind, url) DO NOTHING`, s.t.urls)
	tag, err := s.pool.Exec(ctx, query, identity, string(set), url)
	if err != nil {
		return false, fmt.Errorf("add %s url: %w", set, err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasURL implements state.Backend.
func (s *Store) HasURL(ctx context.Context, identity string, set state.URLSet, url string) (bool, error) {
	query := fmt.Sprintf(`
SELECT EXISTS (SELECT 1 FROM %s WHERE identity = $1 AND kind = $2 AND url = $3)`, s.t.urls)
	var ok bool
	if err := s.pool.QueryRow(ctx, query, identity, string(set), url).Scan(&ok); err != nil {
		return false, fmt.Errorf("has %s url: %w", set, err)
	}
	return ok, nil
}

// CountURLs implements state.Backend.
func (s *Store) CountURLs(ctx context.Context, identity string, set state.URLSet) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE identity = $1 AND kind = $2`, s.t.urls)
	var n int64
	if err := s.pool.QueryRow(ctx, query, identity, string(set)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s urls: %w", set, err)
	}
	return n, nil
}

// PushLink implements state.Backend.
func (s *Store) PushLink(ctx context.Context, identity string, link crawler.LinkRecord) error {
	payload, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (identity, link) VALUES ($1, $2)`, s.t.queue)
	if _, err := s.pool.Exec(ctx, query, identity, payload); err != nil {
		return fmt.Errorf("push link: %w", err)
	}
	return nil
}

// PopLink implements state.Backend. The row is flagged claimed rather than
// deleted so a crash before AckLink leaves it recoverable.
func (s *Store) PopLink(ctx context.Context, identity string) (crawler.LinkRecord, bool, error) {
	query := fmt.Sprintf(`
UPDATE %[1]s SET claimed = TRUE WHERE id = (
	SELECT id FROM %[1]s WHERE identity = $1 AND NOT claimed ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
) RETURNING link`, s.t.queue)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, identity).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.LinkRecord{}, false, nil
		}
		return crawler.LinkRecord{}, false, fmt.Errorf("pop link: %w", err)
	}
	var link crawler.LinkRecord
	if err := json.Unmarshal(payload, &link); err != nil {
		return crawler.LinkRecord{}, false, fmt.Errorf("decode link: %w", err)
	}
	return link, true, nil
}

// AckLink implements state.Backend.
func (s *Store) AckLink(ctx context.Context, identity, url string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE identity = $1 AND claimed AND link->>'url' = $2`, s.t.queue)
	if _, err := s.pool.Exec(ctx, query, identity, url); err != nil {
		return fmt.Errorf("ack link: %w", err)
	}
	return nil
}

// RequeueClaimed implements state.Backend. Released rows keep their id and
// so their place at the queue head.
func (s *Store) RequeueClaimed(ctx context.Context, identity string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET claimed = FALSE WHERE identity = $1 AND claimed`, s.t.queue)
	tag, err := s.pool.Exec(ctx, query, identity)
	if err != nil {
		return 0, fmt.Errorf("requeue claimed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueSize implements state.Backend.
func (s *Store) QueueSize(ctx context.Context, identity string) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE identity = $1 AND NOT claimed`, s.t.queue)
	var n int64
	if err := s.pool.QueryRow(ctx, query, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// IncrementDetailsCrawled implements state.Backend.
func (s *Store) IncrementDetailsCrawled(ctx context.Context, identity string) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (identity, details_crawled) VALUES ($1, 1)
ON CONFLICT (identity) DO UPDATE SET details_crawled = %[1]s.details_crawled + 1
RETURNING details_crawled`, s.t.state)
	var n int64
	if err := s.pool.QueryRow(ctx, query, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment details crawled: %w", err)
	}
	return n, nil
}

// DetailsCrawled implements state.Backend.
func (s *Store) DetailsCrawled(ctx context.Context, identity string) (int64, error) {
	return s.counter(ctx, identity, "details_crawled")
}

// ErrorCount implements state.Backend.
func (s *Store) ErrorCount(ctx context.Context, identity string) (int64, error) {
	return s.counter(ctx, identity, "error_total")
}

func (s *Store) counter(ctx context.Context, identity, column string) (int64, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE identity = $1`, column, s.t.state)
	var n int64
	if err := s.pool.QueryRow(ctx, query, identity).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return n, nil
}

// PushError implements state.Backend.
func (s *Store) PushError(ctx context.Context, identity string, entry crawler.ErrorEntry, keep int) (int64, error) {
	insert := fmt.Sprintf(`
INSERT INTO %s (identity, occurred_at, error_type, url, message) VALUES ($1, $2, $3, $4, $5)`, s.t.errors)
	trim := fmt.Sprintf(`
DELETE FROM %[1]s WHERE identity = $1 AND id NOT IN (
	SELECT id FROM %[1]s WHERE identity = $1 ORDER BY id DESC LIMIT $2
)`, s.t.errors)
	bump := fmt.Sprintf(`
INSERT INTO %[1]s (identity, error_total) VALUES ($1, 1)
ON CONFLICT (identity) DO UPDATE SET error_total = %[1]s.error_total + 1
RETURNING error_total`, s.t.state)

	var total int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insert, identity, entry.Timestamp.UTC(), entry.Type, entry.URL, entry.Message); err != nil {
			return fmt.Errorf("insert error: %w", err)
		}
		if keep > 0 {
			if _, err := tx.Exec(ctx, trim, identity, keep); err != nil {
				return fmt.Errorf("trim errors: %w", err)
			}
		}
		if err := tx.QueryRow(ctx, bump, identity).Scan(&total); err != nil {
			return fmt.Errorf("bump error total: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// RecentErrors implements state.Backend.
func (s *Store) RecentErrors(ctx context.Context, identity string, limit int) ([]crawler.ErrorEntry, error) {
	query := fmt.Sprintf(`
SELECT occurred_at, error_type, url, message FROM %s
WHERE identity = $1 ORDER BY id DESC LIMIT $2`, s.t.errors)
	rows, err := s.pool.Query(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	out := []crawler.ErrorEntry{}
	for rows.Next() {
		var e crawler.ErrorEntry
		if err := rows.Scan(&e.Timestamp, &e.Type, &e.URL, &e.Message); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	return out, nil
}

// GetStats implements state.Backend.
func (s *Store) GetStats(ctx context.Context, identity string) (crawler.StatsSnapshot, bool, error) {
	query := fmt.Sprintf(`SELECT stats FROM %s WHERE identity = $1`, s.t.state)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, identity).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.StatsSnapshot{}, false, nil
		}
		return crawler.StatsSnapshot{}, false, fmt.Errorf("get stats: %w", err)
	}
	if len(payload) == 0 {
		return crawler.StatsSnapshot{}, false, nil
	}
	var snap crawler.StatsSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return crawler.StatsSnapshot{}, false, fmt.Errorf("decode stats: %w", err)
	}
	return snap, true, nil
}

// SetStats implements state.Backend.
func (s *Store) SetStats(ctx context.Context, identity string, snapshot crawler.StatsSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (identity, stats) VALUES ($1, $2)
ON CONFLICT (identity) DO UPDATE SET stats = EXCLUDED.stats`, s.t.state)
	if _, err := s.pool.Exec(ctx, query, identity, payload); err != nil {
		return fmt.Errorf("set stats: %w", err)
	}
	return nil
}

// Reset implements state.Backend.
func (s *Store) Reset(ctx context.Context, identity string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{s.t.state, s.t.checkpoints, s.t.urls, s.t.queue, s.t.errors} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE identity = $1`, table), identity); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// SoftReset implements state.Backend.
func (s *Store) SoftReset(ctx context.Context, identity string, at time.Time) error {
	update := fmt.Sprintf(`
UPDATE %s SET
	status = 'idle', reason = '', error = '', paused = FALSE, pid = 0,
	current_section = '', started_at = NULL, stopped_at = NULL,
	updated_at = $2, version = version + 1,
	details_crawled = 0, error_total = 0, stats = NULL
WHERE identity = $1`, s.t.state)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, update, identity, at.UTC()); err != nil {
			return fmt.Errorf("soft reset state: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE identity = $1`, s.t.errors), identity); err != nil {
			return fmt.Errorf("soft reset errors: %w", err)
		}
		return nil
	})
}

package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore keeps history and settings in PostgreSQL.
type PostgresStore struct {
	Pool  *pgxpool.Pool
	limit int
	log   zerolog.Logger
}

// Connect opens a pool and applies the schema.
func Connect(ctx context.Context, databaseURL string, limit int, log zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if limit < 1 {
		limit = DefaultLimit
	}
	s := &PostgresStore{Pool: pool, limit: limit, log: log.With().Str("component", "history").Logger()}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info().
		Str("url", maskDSN(databaseURL)).
		Int("limit", limit).
		Msg("history database connected")
	return s, nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.log.Info().Msg("closing database pool")
	s.Pool.Close()
}

// Append inserts e and trims the table to the configured limit in one
// transaction.
func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return e, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO translation_history (id, original, translation, provider, source, target, backend, audio_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		e.ID, e.Original, e.Translation, e.Provider, e.Source, e.Target, e.Backend, e.AudioKey, e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("insert history entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM translation_history
		WHERE id NOT IN (SELECT id FROM translation_history ORDER BY created_at DESC, id LIMIT $1)`,
		s.limit)
	if err != nil {
		return e, fmt.Errorf("trim history: %w", err)
	}
	return e, tx.Commit(ctx)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, original, translation, provider, source, target, backend, COALESCE(audio_key, ''), created_at
		FROM translation_history
		ORDER BY created_at DESC, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Original, &e.Translation, &e.Provider, &e.Source, &e.Target, &e.Backend, &e.AudioKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM translation_history`)
	return err
}

func (s *PostgresStore) LoadSettings(ctx context.Context) (Settings, bool, error) {
	var st Settings
	err := s.Pool.QueryRow(ctx, `SELECT source, target, auto_speak FROM translator_settings WHERE id = 1`).
		Scan(&st.Source, &st.Target, &st.AutoSpeak)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	return st, true, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st Settings) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO translator_settings (id, source, target, auto_speak, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET source = EXCLUDED.source, target = EXCLUDED.target, auto_speak = EXCLUDED.auto_speak, updated_at = now()`,
		st.Source, st.Target, st.AutoSpeak)
	return err
}

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

var migrations = []migration{
	{
		name: "create translation_history",
		sql: `CREATE TABLE IF NOT EXISTS translation_history (
			id          uuid PRIMARY KEY,
			original    text NOT NULL,
			translation text NOT NULL,
			provider    text NOT NULL,
			source      text NOT NULL,
			target      text NOT NULL,
			backend     text NOT NULL,
			audio_key   text,
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'translation_history')`,
	},
	{
		name:  "add translation_history created_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_translation_history_created ON translation_history (created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_translation_history_created')`,
	},
	{
		name: "create translator_settings",
		sql: `CREATE TABLE IF NOT EXISTS translator_settings (
			id         int PRIMARY KEY CHECK (id = 1),
			source     text NOT NULL,
			target     text NOT NULL,
			auto_speak boolean NOT NULL DEFAULT false,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'translator_settings')`,
	},
}

// Migrate applies pending migrations in order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		var exists bool
		if err := s.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
			continue
		}
		pending = append(pending, m)
	}

	for i, m := range pending {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{failed: m, pending: pending[i:], err: err}
		}
		s.log.Info().Str("migration", m.name).Msg("schema migration applied")
	}
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply the remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart live-translator.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

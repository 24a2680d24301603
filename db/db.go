// Package db provides the SQL connection, schema migration, and the small data
// access helpers for credentials and redemption history. Postgres (pgx) is used
// for postgres:// DSNs; anything else opens a local SQLite file.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-Go sqlite driver registered as 'sqlite'
)

// Dialect selects placeholder style.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB wraps *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// DialectFor reports which driver a DSN selects.
func DialectFor(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Connect opens dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "file:scene-switcher.db"
	}
	d := &DB{Dialect: DialectFor(dsn)}
	var err error
	switch d.Dialect {
	case Postgres:
		d.DB, err = sql.Open("pgx", dsn)
	default:
		d.DB, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// One writer avoids SQLITE_BUSY between pooled connections.
			d.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Dialect, err)
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Dialect, err)
	}
	slog.Info("database connected", slog.String("component", "db"), slog.String("dialect", d.Dialect.String()))
	return d, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Rebind rewrites ? placeholders to $n for Postgres. Queries never contain a
// literal question mark.
func (d *DB) Rebind(q string) string {
	if d.Dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return d.ExecContext(ctx, d.Rebind(q), args...)
}

func (d *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return d.QueryRowContext(ctx, d.Rebind(q), args...)
}

func (d *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return d.QueryContext(ctx, d.Rebind(q), args...)
}

// Migrate applies idempotent schema changes. The statements are valid on both
// dialects; times are stored as unix integers.
func Migrate(ctx context.Context, d *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at BIGINT,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
			id TEXT PRIMARY KEY,
			received_at BIGINT NOT NULL,
			reward_id TEXT NOT NULL,
			reward_title TEXT,
			user_name TEXT,
			user_input TEXT,
			outcome TEXT NOT NULL,
			target_scene TEXT,
			source_scene TEXT,
			correlation_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_received ON redemptions(received_at)`,
	}
	for i, s := range stmts {
		if _, err := d.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", d.Dialect, i, err)
		}
	}
	return nil
}

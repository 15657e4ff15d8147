// Package postgres is the Postgres-backed store.Store implementation,
// adapted from the teacher's database client: connection pooling over
// database/sql plus lib/pq, with embedded migrations applied on connect.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Client wraps a *sql.DB with the pooling and migration behavior every
// caller of this package needs.
type Client struct {
	db *sql.DB
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientOptions)

type clientOptions struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

func WithMaxOpenConns(n int) ClientOption {
	return func(o *clientOptions) { o.maxOpenConns = n }
}

func WithMaxIdleConns(n int) ClientOption {
	return func(o *clientOptions) { o.maxIdleConns = n }
}

func WithConnMaxLifetime(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.connMaxLifetime = d }
}

// NewClient opens a connection pool against dsn, pings it, and applies any
// pending migrations.
func NewClient(dsn string, opts ...ClientOption) (*Client, error) {
	options := clientOptions{maxOpenConns: 25, maxIdleConns: 5, connMaxLifetime: time.Hour}
	for _, opt := range opts {
		opt(&options)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: open: %w", err)
	}
	db.SetMaxOpenConns(options.maxOpenConns)
	db.SetMaxIdleConns(options.maxIdleConns)
	db.SetConnMaxLifetime(options.connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}

	c := &Client{db: db}
	if err := c.migrateUp(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Health checks the pool is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) migrateUp(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("store/postgres: create schema_migrations: %w", err)
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store/postgres: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store/postgres: read migration %s: %w", name, err)
		}
		if err := c.applyMigration(ctx, name, string(sqlBytes)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("store/postgres: scan migration version: %w", err)
		}
		out[version] = true
	}
	return out, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, name, stmt string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/postgres: begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	for _, part := range strings.Split(stmt, ";\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, part); err != nil {
			return fmt.Errorf("store/postgres: apply migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("store/postgres: record migration %s: %w", name, err)
	}
	return tx.Commit()
}

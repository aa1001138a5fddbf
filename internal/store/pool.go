package store

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// withDefaultSSLMode forces sslmode=require for non-loopback hosts unless the
// URL already names a mode explicitly. Managed Postgres (Neon and similar)
// requires TLS; local docker Postgres commonly runs without it.
func withDefaultSSLMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return databaseURL
	}
	q := u.Query()
	if q.Has("sslmode") {
		return databaseURL
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "" {
		return databaseURL
	}
	q.Set("sslmode", "require")
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPool opens a connection pool tuned conservatively for serverless
// Postgres: a small max size, no overflow, periodic recycling, and a
// background health check standing in for pre-ping.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(withDefaultSSLMode(databaseURL))
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 2
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ApplySchema runs the embedded schema against pool. Intended for local
// development and integration tests; it is idempotent for tables and
// indexes but not for the enum types, so it only runs them once per
// database via a guard check.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'users')`).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pool.Exec(ctx, schemaSQL)
	return err
}

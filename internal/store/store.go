// Package store holds the Postgres-backed repositories the Sync and
// Processor engines depend on: events, worker progress, factory
// discoveries, and the RPC cache's durable tier. Writes and most reads
// go through pgxpool directly; ListSyncWorkers and ListChildren go
// through an sqlx.DB opened on the same connection string for
// StructScan convenience.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver for sqlx.Connect
)

// SchemaNames is the configurable schema-name suffix threaded through
// every repository's SQL, letting more than one generation of the
// schema (sync_v1, sync_v2, ...) coexist during a migration rollout.
type SchemaNames struct {
	Sync string
	App  string
}

// DefaultSchemaNames is the conventional v1 naming.
var DefaultSchemaNames = SchemaNames{Sync: "sync_v1", App: "app_v1"}

// Pool bundles the two connection handles every repository needs.
type Pool struct {
	Write *pgxpool.Pool
	Read  *sqlx.DB
}

// Connect opens both the pgxpool write pool and the sqlx read handle
// against the same Postgres instance.
func Connect(ctx context.Context, dsn string) (*Pool, error) {
	write, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect pgxpool: %w", err)
	}
	if err := write.Ping(ctx); err != nil {
		write.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	read, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("store: connect sqlx: %w", err)
	}
	read.SetMaxOpenConns(25)
	read.SetMaxIdleConns(10)
	read.SetConnMaxLifetime(5 * time.Minute)
	read.SetConnMaxIdleTime(1 * time.Minute)

	return &Pool{Write: write, Read: read}, nil
}

// Close releases both handles.
func (p *Pool) Close() {
	p.Write.Close()
	_ = p.Read.Close()
}

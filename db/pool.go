// Package db provides the PostgreSQL layer of the resource server: the pgx
// connection pool, the relational schema model derived from the search
// parameter registry, the startup migration, and LISTEN/NOTIFY support for
// cross-instance change events.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps a pgx connection pool with helper methods. All repository
// statements run through it; multi-statement operations use Begin to obtain
// a transaction on a single pooled connection.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a new connection pool. The connection string is the
// standard PostgreSQL URL form:
//
//	postgres://[user[:password]@][host][:port][/dbname][?param1=value1&...]
//
// maxConns bounds the pool (0 keeps the pgxpool default).
func NewPostgresDB(ctx context.Context, connString string, maxConns int) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. The caller must close the rows.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction on a pooled connection.
func (db *PostgresDB) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Pool returns the underlying connection pool for advanced operations such
// as LISTEN/NOTIFY connections.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

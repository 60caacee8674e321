package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig holds configuration for the PostgreSQL testcontainer.
type PostgresConfig struct {
	// Image is the Docker image to use (default: "postgres:17")
	Image string
	// Username is the PostgreSQL superuser username (default: "postgres")
	Username string
	// Password is the PostgreSQL superuser password (default: "postgres")
	Password string
	// Database is the default database to create (default: "postgres")
	Database string
	// StartupTimeout bounds the readiness wait (default: 60s)
	StartupTimeout time.Duration
}

// DefaultPostgresConfig returns the default configuration for testing.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:17",
		Username:       "postgres",
		Password:       "postgres",
		Database:       "postgres",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a PostgreSQL container and returns its connection
// string (sslmode=disable) and a cleanup function. The wait strategy
// requires the second "ready to accept connections" log line so the
// database is fully initialized before tests connect.
func SetupPostgres(ctx context.Context, config *PostgresConfig) (string, ContainerCleanup, error) {
	if config == nil {
		defaultConfig := DefaultPostgresConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":        config.Username,
			"POSTGRES_PASSWORD":    config.Password,
			"POSTGRES_DB":          config.Database,
			"POSTGRES_INITDB_ARGS": "--auth-host=scram-sha-256",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.Username, config.Password, host, port.Port(), config.Database)

	return connStr, createCleanupFunc(ctx, container, "PostgreSQL"), nil
}

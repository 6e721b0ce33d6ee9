// Package dbtest spins up ephemeral containers for integration tests via
// testcontainers-go. Tests that use it carry the integration build tag so a
// plain `go test ./...` run doesn't require Docker.
package dbtest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Cleanup terminates a container started by one of this package's Setup
// functions. Safe to call via defer even if setup failed.
type Cleanup func()

func cleanupFunc(ctx context.Context, container testcontainers.Container, name string) Cleanup {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("dbtest: failed to terminate %s container: %v\n", name, err)
		}
	}
}

// PostgresConfig configures the container SetupPostgres starts.
type PostgresConfig struct {
	Image          string
	Username       string
	Password       string
	Database       string
	StartupTimeout time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:17",
		Username:       "postgres",
		Password:       "postgres",
		Database:       "postgres",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a disposable PostgreSQL container and returns a
// ready-to-use connection string.
func SetupPostgres(ctx context.Context, config *PostgresConfig) (string, Cleanup, error) {
	if config == nil {
		defaultConfig := DefaultPostgresConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     config.Username,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
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
		return "", func() {}, fmt.Errorf("dbtest: starting postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("dbtest: getting container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("dbtest: getting mapped port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.Username, config.Password, host, port.Port(), config.Database)
	return connStr, cleanupFunc(ctx, container, "postgres"), nil
}

// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build integration

package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"agentfs/internal/storage"
)

const (
	pgUser     = "agentfs"
	pgPassword = "agentfs"
	pgDatabase = "agentfs"
)

var (
	pgOnce    sync.Once
	pgBaseDSN string
	pgHost    string
	pgPort    int
	pgErr     error
	dbCounter atomic.Int64
)

// startPostgres starts one PostgreSQL container shared by every test in the
// binary. The testcontainers reaper removes it when the process exits.
func startPostgres() {
	ctx := context.Background()

	// PostgreSQL logs "ready to accept connections" once during bootstrap
	// and once when fully up.
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		pgErr = fmt.Errorf("failed to start postgres container: %w", err)
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		pgErr = fmt.Errorf("failed to get container host: %w", err)
		return
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		pgErr = fmt.Errorf("failed to get container port: %w", err)
		return
	}

	pgHost = host
	pgPort = port.Int()
	pgBaseDSN = dsn(pgDatabase)
}

func dsn(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		pgUser, pgPassword, pgHost, pgPort, database)
}

// PostgresDSN creates a fresh database in the shared container and returns
// its connection string.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	pgOnce.Do(startPostgres)
	require.NoError(t, pgErr)

	name := fmt.Sprintf("agentfs_test_%d", dbCounter.Add(1))

	admin, err := sql.Open("pgx", pgBaseDSN)
	require.NoError(t, err)
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err, "failed to create test database")

	return dsn(name)
}

// Postgres opens a PostgreSQL backend on a fresh database.
func Postgres(t testing.TB) *storage.PostgresBackend {
	t.Helper()

	backend, err := storage.OpenPostgres(context.Background(), storage.Options{
		Driver:       storage.DriverPostgres,
		DSN:          PostgresDSN(t),
		MaxOpenConns: 16,
	})
	require.NoError(t, err, "failed to open postgres backend")
	t.Cleanup(func() { backend.Close() })
	return backend
}

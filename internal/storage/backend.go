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

// Package storage is the relational storage layer for agentfs: the Backend
// abstraction over SQLite/libsql and PostgreSQL, the schema, and typed row
// operations used by the filesystem, KV and tool-call components.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// TxFunc is the body of a transaction. All row operations inside it must use
// tx so they commit or roll back together.
type TxFunc func(ctx context.Context, tx bun.Tx) error

// Backend is a relational engine the filesystem runs on. It is chosen once
// in Open and used only through this interface.
type Backend interface {
	// Dialect returns "sqlite" or "postgres".
	Dialect() string
	// DB returns the bun handle for single-statement reads.
	DB() *bun.DB
	// RunInTx runs fn in a read-write transaction.
	RunInTx(ctx context.Context, fn TxFunc) error
	// RunInReadTx runs fn in a transaction that sees one consistent snapshot.
	RunInReadTx(ctx context.Context, fn TxFunc) error
	// IsUniqueViolation reports whether err is a uniqueness constraint failure.
	IsUniqueViolation(err error) bool
	// IsForeignKeyViolation reports whether err is a foreign key failure.
	IsForeignKeyViolation(err error) bool
	Close() error
}

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// BusyTimeout is the SQLite busy_timeout.
	BusyTimeout time.Duration
	// MaxOpenConns caps the connection pool; 0 leaves the driver default.
	MaxOpenConns int
	// LockRetries is the number of attempts for SQLite transactions refused
	// with "database is locked".
	LockRetries uint
}

// Open connects to the configured backend and makes sure the schema and the
// root inode exist.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, opts)
	case DriverPostgres:
		return OpenPostgres(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// verifySchema checks the stored schema version.
func verifySchema(ctx context.Context, db bun.IDB) error {
	var info SchemaInfoModel
	err := db.NewSelect().Model(&info).Where("key = ?", "version").Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema info: %w", err)
	}
	if info.Value != SchemaVersion {
		return fmt.Errorf("unsupported schema version %q (want %s)", info.Value, SchemaVersion)
	}
	return nil
}

// initRows inserts the schema_info rows and the root inode if missing.
func initRows(ctx context.Context, db bun.IDB) error {
	now := time.Now()
	return execStatements(ctx, db, initRoot,
		SchemaVersion, now.UTC().Format(time.RFC3339),
		DefaultDirMode, now.UnixNano(), now.UnixNano())
}

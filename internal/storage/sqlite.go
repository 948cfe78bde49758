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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"agentfs/internal/util"
)

// SQLiteBackend stores the filesystem in a local SQLite database through libsql.
type SQLiteBackend struct {
	path        string
	db          *sql.DB
	bunDB       *bun.DB
	lockRetries uint
}

var _ Backend = (*SQLiteBackend)(nil)

// queryer is satisfied by *sql.DB and *sql.Conn.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(ctx context.Context, db queryer, pragma string) error {
	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs on one connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(ctx context.Context, db queryer, busyTimeout time.Duration) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of
	// failing with "database is locked".
	if err := execPragma(ctx, db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: concurrent readers during writes.
	if err := execPragma(ctx, db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL is safe against process crashes in WAL mode.
	if err := execPragma(ctx, db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	if err := execPragma(ctx, db, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// 8MB page cache
	if err := execPragma(ctx, db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// primeConnections opens every pooled connection up front so each one gets
// the PRAGMAs. The pool keeps them idle with no lifetime limit.
func primeConnections(ctx context.Context, db *sql.DB, n int, busyTimeout time.Duration) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to open connection: %w", err)
		}
		conns = append(conns, c)
		if err := applyPragmas(ctx, c, busyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// BuildDSN builds the libsql DSN for a database file
func BuildDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path
}

// OpenSQLite opens (creating if needed) the SQLite database at opts.Path.
// Schema creation is serialized across processes with a lock file next to
// the database.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteBackend, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite backend requires a database path")
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout * time.Millisecond
	}
	conns := opts.MaxOpenConns
	if conns <= 0 {
		conns = 1
	}

	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		lock := flock.New(opts.Path + ".lock")
		locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire init lock: %w", err)
		}
		if locked {
			defer lock.Unlock()
		}
	}

	db, err := sql.Open("libsql", BuildDSN(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)

	if err := primeConnections(ctx, db, conns, busyTimeout); err != nil {
		db.Close()
		return nil, err
	}

	bunDB := bun.NewDB(db, sqlitedialect.New())

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(ctx, bunDB, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := initRows(ctx, bunDB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize root: %w", err)
	}
	if err := verifySchema(ctx, bunDB); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("[STORAGE] opened sqlite database %s (conns=%d busy_timeout=%v)", opts.Path, conns, busyTimeout)
	return &SQLiteBackend{
		path:        opts.Path,
		db:          db,
		bunDB:       bunDB,
		lockRetries: opts.LockRetries,
	}, nil
}

// Path returns the database file path
func (b *SQLiteBackend) Path() string {
	return b.path
}

func (b *SQLiteBackend) Dialect() string { return DriverSQLite }

func (b *SQLiteBackend) DB() *bun.DB { return b.bunDB }

// RunInTx runs fn in one SQLite transaction. A transaction the engine refused
// with "database is locked" never committed, so it is re-run from the start.
func (b *SQLiteBackend) RunInTx(ctx context.Context, fn TxFunc) error {
	return util.Retry(ctx, func() error {
		return b.bunDB.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx, b.lockRetries)...)
}

// RunInReadTx is RunInTx; a SQLite transaction always reads one snapshot.
func (b *SQLiteBackend) RunInReadTx(ctx context.Context, fn TxFunc) error {
	return b.RunInTx(ctx, fn)
}

func (b *SQLiteBackend) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_PRIMARYKEY")
}

func (b *SQLiteBackend) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_FOREIGNKEY")
}

// Close checkpoints the WAL into the main database and closes the pool.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so use Query, not Exec.
	if err := execPragma(context.Background(), b.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[STORAGE] WAL checkpoint failed: %v", err)
	}
	err := b.db.Close()
	b.db = nil
	return err
}

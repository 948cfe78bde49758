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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// PostgreSQL error codes: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// schemaLockKey is the advisory lock taken while creating the schema.
const schemaLockKey = 0x61676e74 // "agnt"

// PostgresBackend stores the filesystem in a PostgreSQL database.
type PostgresBackend struct {
	db    *sql.DB
	bunDB *bun.DB
}

var _ Backend = (*PostgresBackend)(nil)

var readSnapshotTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// OpenPostgres connects to opts.DSN through pgx and initializes the schema.
// Concurrent initializers are serialized with a transaction-scoped advisory
// lock.
func OpenPostgres(ctx context.Context, opts Options) (*PostgresBackend, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	bunDB := bun.NewDB(db, pgdialect.New())
	err = bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", schemaLockKey); err != nil {
			return err
		}
		if err := execStatements(ctx, tx, postgresSchema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return initRows(ctx, tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, bunDB); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("[STORAGE] opened postgres database")
	return &PostgresBackend{db: db, bunDB: bunDB}, nil
}

func (b *PostgresBackend) Dialect() string { return DriverPostgres }

func (b *PostgresBackend) DB() *bun.DB { return b.bunDB }

// RunInTx runs fn in a read-committed transaction. Create races are decided
// by the unique index on fs_dentry, which makes the loser's insert fail.
func (b *PostgresBackend) RunInTx(ctx context.Context, fn TxFunc) error {
	return b.bunDB.RunInTx(ctx, nil, fn)
}

// RunInReadTx runs fn in a read-only repeatable-read transaction so that an
// inode and its chunks are read from the same snapshot.
func (b *PostgresBackend) RunInReadTx(ctx context.Context, fn TxFunc) error {
	return b.bunDB.RunInTx(ctx, readSnapshotTx, fn)
}

func (b *PostgresBackend) IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func (b *PostgresBackend) IsForeignKeyViolation(err error) bool {
	return pgCode(err) == pgForeignKeyViolation
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

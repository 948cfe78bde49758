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
	"strings"

	"github.com/uptrace/bun"
)

const SchemaVersion = "1"

// DefaultChunkSize is the payload size of one fs_data row.
const DefaultChunkSize = 16384 // 16KB chunks for file content

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// File mode constants (POSIX)
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeSymlink = 0120000 // Symbolic link
	ModeMask    = 0170000 // Type mask
	ModePerm    = 0007777
)

// Default permissions
const (
	DefaultDirMode     = ModeDir | 0755     // rwxr-xr-x
	DefaultFileMode    = ModeFile | 0644    // rw-r--r--
	DefaultSymlinkMode = ModeSymlink | 0777 // lrwxrwxrwx
)

// Root inode number
const RootIno = 1

// Chunk codecs stored in fs_data.codec
const (
	CodecRaw  = 0
	CodecZstd = 1
)

// Schema SQL for SQLite/libsql databases
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Inode numbers come from AUTOINCREMENT and are never reused
CREATE TABLE IF NOT EXISTS fs_inode (
    ino INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL CHECK (kind IN ('file', 'directory', 'symlink')),
    mode INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    link_target TEXT
);

CREATE TABLE IF NOT EXISTS fs_dentry (
    parent_ino INTEGER NOT NULL REFERENCES fs_inode(ino),
    name TEXT NOT NULL,
    ino INTEGER NOT NULL REFERENCES fs_inode(ino),
    UNIQUE (parent_ino, name)
);

CREATE INDEX IF NOT EXISTS idx_fs_dentry_ino ON fs_dentry(ino);

CREATE TABLE IF NOT EXISTS fs_data (
    ino INTEGER NOT NULL REFERENCES fs_inode(ino),
    "offset" INTEGER NOT NULL,
    length INTEGER NOT NULL,
    codec INTEGER NOT NULL DEFAULT 0,
    digest BLOB NOT NULL,
    bytes BLOB NOT NULL,
    PRIMARY KEY (ino, "offset")
);

CREATE TABLE IF NOT EXISTS kv_store (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    params TEXT NOT NULL,
    result TEXT,
    error TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id, started_at);
`

// Schema SQL for PostgreSQL databases
const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Identity starts at 2; ino 1 is the root and is inserted explicitly
CREATE TABLE IF NOT EXISTS fs_inode (
    ino BIGINT GENERATED BY DEFAULT AS IDENTITY (START WITH 2) PRIMARY KEY,
    kind TEXT NOT NULL CHECK (kind IN ('file', 'directory', 'symlink')),
    mode BIGINT NOT NULL,
    size BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    modified_at BIGINT NOT NULL,
    link_target TEXT
);

CREATE TABLE IF NOT EXISTS fs_dentry (
    parent_ino BIGINT NOT NULL REFERENCES fs_inode(ino),
    name TEXT NOT NULL,
    ino BIGINT NOT NULL REFERENCES fs_inode(ino),
    UNIQUE (parent_ino, name)
);

CREATE INDEX IF NOT EXISTS idx_fs_dentry_ino ON fs_dentry(ino);

CREATE TABLE IF NOT EXISTS fs_data (
    ino BIGINT NOT NULL REFERENCES fs_inode(ino),
    "offset" BIGINT NOT NULL,
    length BIGINT NOT NULL,
    codec SMALLINT NOT NULL DEFAULT 0,
    digest BYTEA NOT NULL,
    bytes BYTEA NOT NULL,
    PRIMARY KEY (ino, "offset")
);

CREATE TABLE IF NOT EXISTS kv_store (
    key TEXT PRIMARY KEY,
    value BYTEA NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    params TEXT NOT NULL,
    result TEXT,
    error TEXT,
    started_at BIGINT NOT NULL,
    ended_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id, started_at);
`

// Initial rows shared by both dialects. The root inode is inserted
// idempotently so concurrent initializers converge on a single root.
const initRoot = `
INSERT INTO schema_info (key, value) VALUES ('version', ?) ON CONFLICT (key) DO NOTHING;
INSERT INTO schema_info (key, value) VALUES ('created_at', ?) ON CONFLICT (key) DO NOTHING;

INSERT INTO fs_inode (ino, kind, mode, size, created_at, modified_at)
VALUES (1, 'directory', ?, 0, ?, ?) ON CONFLICT (ino) DO NOTHING;
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(ctx context.Context, idb bun.IDB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := idb.NewRaw(stmt, stmtArgs...).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	// Handle any remaining content
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

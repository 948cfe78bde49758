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
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uptrace/bun"

	"agentfs/internal/common"
)

// Store wraps a Backend with typed row operations. Every operation takes a
// bun.IDB so it can run inside a transaction from Backend.RunInTx or directly
// on Backend.DB().
type Store struct {
	backend Backend
}

// NewStore wraps backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Backend returns the underlying backend
func (s *Store) Backend() Backend {
	return s.backend
}

// DB returns the bun handle for reads outside a transaction.
func (s *Store) DB() *bun.DB {
	return s.backend.DB()
}

// RunInTx runs fn in a read-write transaction.
func (s *Store) RunInTx(ctx context.Context, fn TxFunc) error {
	return s.backend.RunInTx(ctx, fn)
}

// RunInReadTx runs fn in a read-only snapshot transaction.
func (s *Store) RunInReadTx(ctx context.Context, fn TxFunc) error {
	return s.backend.RunInReadTx(ctx, fn)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// mapErr translates driver errors into the filesystem error taxonomy.
// onFK is returned for foreign key violations; nil means StorageFailure.
func (s *Store) mapErr(op string, err error, onFK error) error {
	switch {
	case err == nil:
		return nil
	case common.IsKnown(err):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return common.ErrNotFound
	case s.backend.IsUniqueViolation(err):
		return common.ErrExists
	case onFK != nil && s.backend.IsForeignKeyViolation(err):
		return onFK
	}
	return &common.StorageError{Op: op, Err: err}
}

// --- Inode Operations ---

// GetInode retrieves an inode outside a transaction.
func (s *Store) GetInode(ctx context.Context, ino int64) (*Inode, error) {
	return s.GetInodeWith(s.DB(), ctx, ino)
}

// GetInodeWith retrieves an inode. Returns ErrNotFound if it doesn't exist.
func (s *Store) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*Inode, error) {
	var m InodeModel
	err := idb.NewSelect().
		Model(&m).
		Where("ino = ?", ino).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("get inode", err, nil)
	}
	return m.ToInode(), nil
}

// InsertInodeWith allocates a new inode number and inserts the row.
// The database assigns the number (libsql has no LastInsertId, so RETURNING
// is used).
func (s *Store) InsertInodeWith(idb bun.IDB, ctx context.Context, inode *Inode) (int64, error) {
	m := InodeModelFromInode(inode)
	m.Ino = 0
	_, err := idb.NewInsert().
		Model(m).
		Returning("ino").
		Exec(ctx)
	if err != nil {
		return 0, s.mapErr("insert inode", err, nil)
	}
	inode.Ino = m.Ino
	return m.Ino, nil
}

// UpdateInodeWith writes the mutable columns of inode.
func (s *Store) UpdateInodeWith(idb bun.IDB, ctx context.Context, inode *Inode) error {
	m := InodeModelFromInode(inode)
	res, err := idb.NewUpdate().
		Model(m).
		Column("mode", "size", "modified_at", "link_target").
		WherePK().
		Exec(ctx)
	if err != nil {
		return s.mapErr("update inode", err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// DeleteInodeWith deletes an inode row. Its chunks must already be gone and
// no dentry may reference it; a remaining reference surfaces as ErrNotEmpty.
func (s *Store) DeleteInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	_, err := idb.NewDelete().
		Model((*InodeModel)(nil)).
		Where("ino = ?", ino).
		Exec(ctx)
	return s.mapErr("delete inode", err, common.ErrNotEmpty)
}

// --- Dentry Operations ---

// lookupQuery selects the child inode of a dentry.
const lookupQuery = `
SELECT i.ino, i.kind, i.mode, i.size, i.created_at, i.modified_at, i.link_target
FROM fs_dentry AS d
JOIN fs_inode AS i ON i.ino = d.ino
WHERE d.parent_ino = ? AND d.name = ?`

// LookupWith finds the inode named name in directory parentIno.
// Returns ErrNotFound if there is no such entry.
func (s *Store) LookupWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*Inode, error) {
	var m InodeModel
	if err := idb.NewRaw(lookupQuery, parentIno, name).Scan(ctx, &m); err != nil {
		return nil, s.mapErr("lookup", err, nil)
	}
	return m.ToInode(), nil
}

// InsertDentryWith links ino into parentIno under name. The UNIQUE
// (parent_ino, name) constraint turns a duplicate into ErrExists; a parent
// that vanished concurrently surfaces as ErrNotFound.
func (s *Store) InsertDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string, ino int64) error {
	_, err := idb.NewInsert().
		Model(&DentryModel{ParentIno: parentIno, Name: name, Ino: ino}).
		Exec(ctx)
	return s.mapErr("insert dentry", err, common.ErrNotFound)
}

// DeleteDentryWith removes the entry name from parentIno.
// Returns ErrNotFound if no row was deleted.
func (s *Store) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	res, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return s.mapErr("delete dentry", err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// MoveDentryWith re-points an entry to a new parent and name.
func (s *Store) MoveDentryWith(idb bun.IDB, ctx context.Context, srcParent int64, srcName string, dstParent int64, dstName string) error {
	res, err := idb.NewUpdate().
		Model((*DentryModel)(nil)).
		Set("parent_ino = ?", dstParent).
		Set("name = ?", dstName).
		Where("parent_ino = ?", srcParent).
		Where("name = ?", srcName).
		Exec(ctx)
	if err != nil {
		return s.mapErr("move dentry", err, common.ErrNotFound)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ParentOfWith returns the dentry that names ino.
func (s *Store) ParentOfWith(idb bun.IDB, ctx context.Context, ino int64) (*Dentry, error) {
	var m DentryModel
	err := idb.NewSelect().
		Model(&m).
		Where("ino = ?", ino).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("parent of", err, nil)
	}
	return m.ToDentry(), nil
}

// listQuery returns the direct children of a directory ordered by name
const listQuery = `
SELECT d.name, i.ino, i.kind, i.mode, i.size
FROM fs_dentry AS d
JOIN fs_inode AS i ON i.ino = d.ino
WHERE d.parent_ino = ?
ORDER BY d.name`

type dirEntryRow struct {
	Name string `bun:"name"`
	Ino  int64  `bun:"ino"`
	Kind string `bun:"kind"`
	Mode int64  `bun:"mode"`
	Size int64  `bun:"size"`
}

// ListDentriesWith lists the direct children of parentIno ordered by name.
func (s *Store) ListDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) ([]DirEntry, error) {
	var rows []dirEntryRow
	if err := idb.NewRaw(listQuery, parentIno).Scan(ctx, &rows); err != nil {
		return nil, s.mapErr("list dentries", err, nil)
	}
	entries := make([]DirEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, DirEntry{
			Name: r.Name,
			Ino:  r.Ino,
			Kind: Kind(r.Kind),
			Mode: uint32(r.Mode),
			Size: r.Size,
		})
	}
	// PostgreSQL sorts by the database collation; listings use byte order.
	slices.SortFunc(entries, func(a, b DirEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries, nil
}

// CountChildrenWith returns the number of entries in directory parentIno.
func (s *Store) CountChildrenWith(idb bun.IDB, ctx context.Context, parentIno int64) (int, error) {
	n, err := idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Count(ctx)
	return n, s.mapErr("count children", err, nil)
}

// RefCountWith returns the number of dentries that reference ino.
func (s *Store) RefCountWith(idb bun.IDB, ctx context.Context, ino int64) (int, error) {
	n, err := idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("ino = ?", ino).
		Count(ctx)
	return n, s.mapErr("ref count", err, nil)
}

// --- Content Operations ---

// ChunksWith returns all chunks of ino ordered by offset.
func (s *Store) ChunksWith(idb bun.IDB, ctx context.Context, ino int64) ([]ChunkModel, error) {
	var chunks []ChunkModel
	err := idb.NewSelect().
		Model(&chunks).
		Where("ino = ?", ino).
		OrderExpr(`"offset" ASC`).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("read chunks", err, nil)
	}
	return chunks, nil
}

// ChunkAtWith returns the chunk with the greatest offset <= pos.
// Returns ErrNotFound if the inode has no such chunk.
func (s *Store) ChunkAtWith(idb bun.IDB, ctx context.Context, ino int64, pos int64) (*ChunkModel, error) {
	var chunk ChunkModel
	err := idb.NewSelect().
		Model(&chunk).
		Where("ino = ?", ino).
		Where(`"offset" <= ?`, pos).
		OrderExpr(`"offset" DESC`).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("read chunk", err, nil)
	}
	return &chunk, nil
}

// InsertChunksWith inserts chunks in one statement.
func (s *Store) InsertChunksWith(idb bun.IDB, ctx context.Context, chunks []ChunkModel) error {
	if len(chunks) == 0 {
		return nil
	}
	_, err := idb.NewInsert().
		Model(&chunks).
		Exec(ctx)
	return s.mapErr("insert chunks", err, common.ErrNotFound)
}

// DeleteChunksWith deletes all chunks of ino and returns how many were removed.
func (s *Store) DeleteChunksWith(idb bun.IDB, ctx context.Context, ino int64) (int64, error) {
	return s.DeleteChunksFromWith(idb, ctx, ino, 0)
}

// DeleteChunksFromWith deletes the chunks of ino whose offset is >= from.
func (s *Store) DeleteChunksFromWith(idb bun.IDB, ctx context.Context, ino int64, from int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*ChunkModel)(nil)).
		Where("ino = ?", ino).
		Where(`"offset" >= ?`, from).
		Exec(ctx)
	if err != nil {
		return 0, s.mapErr("delete chunks", err, nil)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountChunks returns the number of chunks stored for ino.
func (s *Store) CountChunks(ctx context.Context, ino int64) (int, error) {
	n, err := s.DB().NewSelect().
		Model((*ChunkModel)(nil)).
		Where("ino = ?", ino).
		Count(ctx)
	return n, s.mapErr("count chunks", err, nil)
}

// --- KV Operations ---

// KVGetWith returns the value stored under key.
func (s *Store) KVGetWith(idb bun.IDB, ctx context.Context, key string) (*KVModel, error) {
	var m KVModel
	err := idb.NewSelect().
		Model(&m).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("kv get", err, nil)
	}
	return &m, nil
}

// KVSetWith upserts key. created_at is kept on update.
func (s *Store) KVSetWith(idb bun.IDB, ctx context.Context, key string, value []byte) error {
	now := time.Now().UnixNano()
	_, err := idb.NewInsert().
		Model(&KVModel{Key: key, Value: value, CreatedAt: now, UpdatedAt: now}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return s.mapErr("kv set", err, nil)
}

// KVDeleteWith deletes key and reports whether it existed.
func (s *Store) KVDeleteWith(idb bun.IDB, ctx context.Context, key string) (bool, error) {
	res, err := idb.NewDelete().
		Model((*KVModel)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return false, s.mapErr("kv delete", err, nil)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// KVKeysWith returns the keys starting with prefix in ascending order.
func (s *Store) KVKeysWith(idb bun.IDB, ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := idb.NewSelect().
		Model((*KVModel)(nil)).
		Column("key").
		Where("substr(key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).
		Order("key ASC").
		Scan(ctx, &keys)
	if err != nil {
		return nil, s.mapErr("kv scan", err, nil)
	}
	slices.Sort(keys)
	return keys, nil
}

// --- Tool Call Operations ---

// InsertToolCallWith inserts a tool call record.
func (s *Store) InsertToolCallWith(idb bun.IDB, ctx context.Context, call *ToolCallModel) error {
	_, err := idb.NewInsert().
		Model(call).
		Exec(ctx)
	return s.mapErr("insert tool call", err, nil)
}

// FinishToolCallWith records the outcome of a tool call.
func (s *Store) FinishToolCallWith(idb bun.IDB, ctx context.Context, call *ToolCallModel) error {
	res, err := idb.NewUpdate().
		Model(call).
		Column("result", "error", "ended_at").
		Where("id = ?", call.ID).
		Where("agent_id = ?", call.AgentID).
		Exec(ctx)
	if err != nil {
		return s.mapErr("finish tool call", err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// GetToolCallWith retrieves a tool call by ID for agentID.
func (s *Store) GetToolCallWith(idb bun.IDB, ctx context.Context, agentID, id string) (*ToolCallModel, error) {
	var m ToolCallModel
	err := idb.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Where("agent_id = ?", agentID).
		Scan(ctx)
	if err != nil {
		return nil, s.mapErr("get tool call", err, nil)
	}
	return &m, nil
}

// ToolCallFilter narrows QueryToolCallsWith. Zero fields do not filter.
type ToolCallFilter struct {
	ToolName string
	Since    time.Time
	Limit    int
}

// QueryToolCallsWith lists the tool calls of agentID, newest first.
func (s *Store) QueryToolCallsWith(idb bun.IDB, ctx context.Context, agentID string, f ToolCallFilter) ([]ToolCallModel, error) {
	var calls []ToolCallModel
	q := idb.NewSelect().
		Model(&calls).
		Where("agent_id = ?", agentID)
	if f.ToolName != "" {
		q = q.Where("tool_name = ?", f.ToolName)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since.UnixNano())
	}
	q = q.Order("started_at DESC", "id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, s.mapErr("query tool calls", err, nil)
	}
	return calls, nil
}

// --- Stats ---

// Stats summarizes the stored tree.
type Stats struct {
	Inodes      int   `bun:"inodes"`
	Directories int   `bun:"directories"`
	Files       int   `bun:"files"`
	Symlinks    int   `bun:"symlinks"`
	Bytes       int64 `bun:"bytes"`
	StoredBytes int64 `bun:"-"`
	Chunks      int   `bun:"-"`
}

const statsQuery = `
SELECT
    CAST(COUNT(*) AS BIGINT) AS inodes,
    CAST(COALESCE(SUM(CASE WHEN kind = 'directory' THEN 1 ELSE 0 END), 0) AS BIGINT) AS directories,
    CAST(COALESCE(SUM(CASE WHEN kind = 'file' THEN 1 ELSE 0 END), 0) AS BIGINT) AS files,
    CAST(COALESCE(SUM(CASE WHEN kind = 'symlink' THEN 1 ELSE 0 END), 0) AS BIGINT) AS symlinks,
    CAST(COALESCE(SUM(CASE WHEN kind = 'file' THEN size ELSE 0 END), 0) AS BIGINT) AS bytes
FROM fs_inode`

type chunkStatsRow struct {
	Chunks      int   `bun:"chunks"`
	StoredBytes int64 `bun:"stored_bytes"`
}

// StatsWith returns counts of inodes by kind and content sizes.
func (s *Store) StatsWith(idb bun.IDB, ctx context.Context) (*Stats, error) {
	var st Stats
	if err := idb.NewRaw(statsQuery).Scan(ctx, &st); err != nil {
		return nil, s.mapErr("stats", err, nil)
	}
	var cs chunkStatsRow
	err := idb.NewRaw(`SELECT CAST(COUNT(*) AS BIGINT) AS chunks, CAST(COALESCE(SUM(LENGTH(bytes)), 0) AS BIGINT) AS stored_bytes FROM fs_data`).Scan(ctx, &cs)
	if err != nil {
		return nil, s.mapErr("stats", err, nil)
	}
	st.Chunks = cs.Chunks
	st.StoredBytes = cs.StoredBytes
	return &st, nil
}

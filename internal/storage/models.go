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
	"database/sql"

	"github.com/uptrace/bun"
)

// Bun ORM models for the agentfs tables. Column names match the DDL in
// schema.go for both dialects.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the fs_inode table.
// Times are stored as Unix nanoseconds.
type InodeModel struct {
	bun.BaseModel `bun:"table:fs_inode"`

	Ino        int64          `bun:"ino,pk,autoincrement"`
	Kind       string         `bun:"kind,notnull"`
	Mode       int64          `bun:"mode,notnull"`
	Size       int64          `bun:"size,notnull"`
	CreatedAt  int64          `bun:"created_at,notnull"`
	ModifiedAt int64          `bun:"modified_at,notnull"`
	LinkTarget sql.NullString `bun:"link_target"`
}

// ToInode converts an InodeModel to the Inode struct
func (m *InodeModel) ToInode() *Inode {
	return &Inode{
		Ino:        m.Ino,
		Kind:       Kind(m.Kind),
		Mode:       uint32(m.Mode),
		Size:       m.Size,
		CreatedAt:  fromNanos(m.CreatedAt),
		ModifiedAt: fromNanos(m.ModifiedAt),
		LinkTarget: m.LinkTarget.String,
	}
}

// InodeModelFromInode converts an Inode to InodeModel
func InodeModelFromInode(inode *Inode) *InodeModel {
	m := &InodeModel{
		Ino:        inode.Ino,
		Kind:       string(inode.Kind),
		Mode:       int64(inode.Mode),
		Size:       inode.Size,
		CreatedAt:  toNanos(inode.CreatedAt),
		ModifiedAt: toNanos(inode.ModifiedAt),
	}
	if inode.Kind == KindSymlink {
		m.LinkTarget = sql.NullString{String: inode.LinkTarget, Valid: true}
	}
	return m
}

// DentryModel represents the fs_dentry table
type DentryModel struct {
	bun.BaseModel `bun:"table:fs_dentry"`

	ParentIno int64  `bun:"parent_ino,notnull"`
	Name      string `bun:"name,notnull"`
	Ino       int64  `bun:"ino,notnull"`
}

// ToDentry converts a DentryModel to the Dentry struct
func (m *DentryModel) ToDentry() *Dentry {
	return &Dentry{
		ParentIno: m.ParentIno,
		Name:      m.Name,
		Ino:       m.Ino,
	}
}

// ChunkModel represents the fs_data table (file content chunks)
type ChunkModel struct {
	bun.BaseModel `bun:"table:fs_data"`

	Ino    int64  `bun:"ino,pk"`
	Offset int64  `bun:"offset,pk"`
	Length int64  `bun:"length,notnull"`
	Codec  int16  `bun:"codec,notnull"`
	Digest []byte `bun:"digest,notnull"`
	Bytes  []byte `bun:"bytes,notnull"`
}

// KVModel represents the kv_store table
type KVModel struct {
	bun.BaseModel `bun:"table:kv_store"`

	Key       string `bun:"key,pk"`
	Value     []byte `bun:"value,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// ToolCallModel represents the tool_calls table
type ToolCallModel struct {
	bun.BaseModel `bun:"table:tool_calls"`

	ID        string         `bun:"id,pk"`
	AgentID   string         `bun:"agent_id,notnull"`
	ToolName  string         `bun:"tool_name,notnull"`
	Params    string         `bun:"params,notnull"`
	Result    sql.NullString `bun:"result"`
	Error     sql.NullString `bun:"error"`
	StartedAt int64          `bun:"started_at,notnull"`
	EndedAt   sql.NullInt64  `bun:"ended_at"`
}

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

package vfs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// inodeTable allocates, mutates and frees inode rows. Every method runs on
// the caller's transaction.
type inodeTable struct {
	store  *storage.Store
	chunks *chunkStore
	now    func() time.Time
}

// allocate inserts a new inode. The caller links it with a dentry in the
// same transaction.
func (t *inodeTable) allocate(ctx context.Context, idb bun.IDB, kind storage.Kind, perm uint32, target string) (*storage.Inode, error) {
	now := t.now()
	inode := &storage.Inode{
		Kind:       kind,
		Mode:       kind.TypeBits() | (perm & storage.ModePerm),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if kind == storage.KindSymlink {
		inode.LinkTarget = target
		inode.Size = int64(len(target))
	}
	if _, err := t.store.InsertInodeWith(idb, ctx, inode); err != nil {
		return nil, err
	}
	return inode, nil
}

func (t *inodeTable) read(ctx context.Context, idb bun.IDB, ino int64) (*storage.Inode, error) {
	return t.store.GetInodeWith(idb, ctx, ino)
}

// update loads ino, applies mutate and writes it back with modified_at
// advanced. modified_at never moves backwards.
func (t *inodeTable) update(ctx context.Context, idb bun.IDB, ino int64, mutate func(*storage.Inode) error) (*storage.Inode, error) {
	inode, err := t.store.GetInodeWith(idb, ctx, ino)
	if err != nil {
		return nil, err
	}
	if err := mutate(inode); err != nil {
		return nil, err
	}
	if now := t.now(); now.After(inode.ModifiedAt) {
		inode.ModifiedAt = now
	}
	if err := t.store.UpdateInodeWith(idb, ctx, inode); err != nil {
		return nil, err
	}
	return inode, nil
}

// refCount returns the number of dentries naming ino.
func (t *inodeTable) refCount(ctx context.Context, idb bun.IDB, ino int64) (int, error) {
	return t.store.RefCountWith(idb, ctx, ino)
}

// release frees inode once nothing names it: chunks first, then the row.
// A directory must already be empty. It reports whether the inode was freed.
func (t *inodeTable) release(ctx context.Context, idb bun.IDB, inode *storage.Inode) (bool, error) {
	refs, err := t.refCount(ctx, idb, inode.Ino)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, nil
	}
	if inode.IsDir() {
		n, err := t.store.CountChildrenWith(idb, ctx, inode.Ino)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, common.ErrNotEmpty
		}
	}
	if inode.IsFile() {
		if err := t.chunks.drop(ctx, idb, inode.Ino); err != nil {
			return false, err
		}
	}
	if err := t.store.DeleteInodeWith(idb, ctx, inode.Ino); err != nil {
		return false, err
	}
	log.Tracef("[VFS] released inode %d (%s)", inode.Ino, inode.Kind)
	return true, nil
}

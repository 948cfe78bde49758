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

// Package vfs implements a POSIX-like filesystem whose tree lives in the
// fs_inode, fs_dentry and fs_data tables. Each mutating call is one
// transaction; there is no in-process locking or caching.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// Default permission bits for new inodes.
const (
	dirPerm     = 0755
	filePerm    = 0644
	symlinkPerm = 0777
)

// FileSystem is the path-level API over a storage.Store.
type FileSystem struct {
	store    *storage.Store
	opts     Options
	resolver *resolver
	inodes   *inodeTable
	chunks   *chunkStore
}

// New creates a FileSystem over store. The store must already carry the
// schema and root inode (storage.Open takes care of both).
func New(store *storage.Store, opts Options) (*FileSystem, error) {
	opts.applyDefaults()
	if opts.Compression != CompressionNone && opts.Compression != CompressionZstd {
		return nil, fmt.Errorf("%w: unknown compression %q", common.ErrInvalidArgument, opts.Compression)
	}
	chunks := &chunkStore{
		store:     store,
		chunkSize: opts.ChunkSize,
		compress:  opts.Compression == CompressionZstd,
	}
	return &FileSystem{
		store:    store,
		opts:     opts,
		resolver: newResolver(store, opts.MountPath, opts.MaxSymlinks),
		inodes:   &inodeTable{store: store, chunks: chunks, now: time.Now},
		chunks:   chunks,
	}, nil
}

// Store returns the underlying store.
func (fs *FileSystem) Store() *storage.Store {
	return fs.store
}

// MountPath returns the prefix stripped from incoming paths.
func (fs *FileSystem) MountPath() string {
	return fs.opts.MountPath
}

// finish wraps *errp as a PathError, logs timing at trace level and reports
// the outcome to the observer. Deferred by every public operation.
func (fs *FileSystem) finish(op, path string, start time.Time, errp *error) {
	elapsed := time.Since(start)
	if err := *errp; err != nil {
		if !common.IsKnown(err) {
			err = &common.StorageError{Op: op, Err: err}
		}
		*errp = common.NewPathError(op, path, err)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] %s %q → %v (%v)", op, path, *errp, elapsed)
	}
	if fs.opts.Observer != nil {
		fs.opts.Observer.ObserveOp(op, elapsed, *errp)
	}
}

func (fs *FileSystem) observeBytes(direction string, n int) {
	if fs.opts.Observer != nil && n > 0 {
		fs.opts.Observer.ObserveBytes(direction, n)
	}
}

// --- Directory Operations ---

// Mkdir creates the directory at path. Missing ancestors are created first,
// each in its own transaction. Fails with ErrExists if anything already
// exists at path.
func (fs *FileSystem) Mkdir(ctx context.Context, path string) (err error) {
	defer fs.finish("mkdir", path, time.Now(), &err)
	log.Debugf("[VFS] Mkdir: path=%q", path)
	return fs.mkdir(ctx, path, false)
}

// MkdirAll is Mkdir that also succeeds when path is already a directory.
func (fs *FileSystem) MkdirAll(ctx context.Context, path string) (err error) {
	defer fs.finish("mkdir", path, time.Now(), &err)
	log.Debugf("[VFS] MkdirAll: path=%q", path)
	return fs.mkdir(ctx, path, true)
}

func (fs *FileSystem) mkdir(ctx context.Context, path string, all bool) error {
	parts := fs.resolver.components(path)
	if len(parts) == 0 {
		if all {
			return nil
		}
		return common.ErrExists
	}
	last := len(parts) - 1
	for i, name := range parts {
		if name == ".." && i < last {
			continue
		}
		leaf := i == last
		if err := fs.ensureDir(ctx, parts[:i], name, leaf && !all, leaf); err != nil {
			return err
		}
	}
	return nil
}

// ensureDir makes name a directory under the directory parentParts resolves
// to. With exclusive set an existing entry is ErrExists; otherwise an
// existing directory, or symlink to one, is accepted. Anything else is
// ErrExists for the leaf and ErrNotDir for an ancestor.
func (fs *FileSystem) ensureDir(ctx context.Context, parentParts []string, name string, exclusive, leaf bool) error {
	if err := common.ValidateName(name); err != nil {
		return err
	}
	level := func(ctx context.Context, tx bun.Tx) error {
		parent, err := fs.resolver.walk(ctx, tx, parentParts, true)
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return common.ErrNotDir
		}
		existing, err := fs.store.LookupWith(tx, ctx, parent.Ino, name)
		switch {
		case err == nil:
			return fs.acceptExisting(ctx, tx, parentParts, name, existing, exclusive, leaf)
		case !errors.Is(err, common.ErrNotFound):
			return err
		}
		dir, err := fs.inodes.allocate(ctx, tx, storage.KindDirectory, dirPerm, "")
		if err != nil {
			return err
		}
		return fs.store.InsertDentryWith(tx, ctx, parent.Ino, name, dir.Ino)
	}

	err := fs.store.RunInTx(ctx, level)
	if errors.Is(err, common.ErrExists) && !exclusive {
		// Lost a create race on a level we only need to exist; look again.
		err = fs.store.RunInTx(ctx, level)
	}
	return err
}

func (fs *FileSystem) acceptExisting(ctx context.Context, idb bun.IDB, parentParts []string, name string, existing *storage.Inode, exclusive, leaf bool) error {
	if exclusive {
		return common.ErrExists
	}
	if existing.IsDir() {
		return nil
	}
	if existing.IsSymlink() {
		target, err := fs.resolver.walk(ctx, idb, append(slices.Clip(parentParts), name), true)
		if err == nil && target.IsDir() {
			return nil
		}
	}
	if leaf {
		return common.ErrExists
	}
	return common.ErrNotDir
}

// Readdir lists the direct children of the directory at path, ordered by
// name. A final symlink is followed.
func (fs *FileSystem) Readdir(ctx context.Context, path string) (entries []Entry, err error) {
	defer fs.finish("readdir", path, time.Now(), &err)
	log.Debugf("[VFS] Readdir: path=%q", path)

	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		dir, err := fs.resolver.resolve(ctx, tx, path, true)
		if err != nil {
			return err
		}
		if !dir.IsDir() {
			return common.ErrNotDir
		}
		rows, err := fs.store.ListDentriesWith(tx, ctx, dir.Ino)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, Entry{Name: r.Name, Ino: r.Ino, Kind: r.Kind, Mode: r.Mode, Size: r.Size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// --- File Operations ---

// WriteFile creates or overwrites the file at path with data. The parent
// directory must exist.
func (fs *FileSystem) WriteFile(ctx context.Context, path string, data []byte) (err error) {
	defer fs.finish("write", path, time.Now(), &err)
	log.Debugf("[VFS] WriteFile: path=%q size=%d", path, len(data))

	err = fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		file, err := fs.openForWrite(ctx, tx, path)
		if err != nil {
			return err
		}
		if err := fs.chunks.write(ctx, tx, file.Ino, data); err != nil {
			return err
		}
		_, err = fs.inodes.update(ctx, tx, file.Ino, func(inode *storage.Inode) error {
			inode.Size = int64(len(data))
			return nil
		})
		return err
	})
	if err == nil {
		fs.observeBytes(DirectionWrite, len(data))
	}
	return err
}

// AppendFile appends data to the file at path, creating it if missing.
func (fs *FileSystem) AppendFile(ctx context.Context, path string, data []byte) (err error) {
	defer fs.finish("append", path, time.Now(), &err)
	log.Debugf("[VFS] AppendFile: path=%q size=%d", path, len(data))

	err = fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		file, err := fs.openForWrite(ctx, tx, path)
		if err != nil {
			return err
		}
		if err := fs.chunks.append(ctx, tx, file.Ino, file.Size, data); err != nil {
			return err
		}
		_, err = fs.inodes.update(ctx, tx, file.Ino, func(inode *storage.Inode) error {
			inode.Size += int64(len(data))
			return nil
		})
		return err
	})
	if err == nil {
		fs.observeBytes(DirectionWrite, len(data))
	}
	return err
}

// Truncate resizes the file at path, zero-filling when it grows.
func (fs *FileSystem) Truncate(ctx context.Context, path string, size int64) (err error) {
	defer fs.finish("truncate", path, time.Now(), &err)
	log.Debugf("[VFS] Truncate: path=%q size=%d", path, size)
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", common.ErrInvalidArgument, size)
	}

	return fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		file, err := fs.resolver.resolve(ctx, tx, path, true)
		if err != nil {
			return err
		}
		if file.IsDir() {
			return common.ErrIsDir
		}
		if err := fs.chunks.truncate(ctx, tx, file.Ino, file.Size, size); err != nil {
			return err
		}
		_, err = fs.inodes.update(ctx, tx, file.Ino, func(inode *storage.Inode) error {
			inode.Size = size
			return nil
		})
		return err
	})
}

// openForWrite returns the file at path, creating an empty one when nothing
// is there. A final symlink is followed; a dangling one is ErrNotFound.
func (fs *FileSystem) openForWrite(ctx context.Context, idb bun.IDB, path string) (*storage.Inode, error) {
	inode, err := fs.resolver.resolve(ctx, idb, path, true)
	switch {
	case err == nil:
		if inode.IsDir() {
			return nil, common.ErrIsDir
		}
		return inode, nil
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	parent, name, err := fs.resolver.resolveParent(ctx, idb, path)
	if err != nil {
		return nil, err
	}
	if _, err := fs.store.LookupWith(idb, ctx, parent.Ino, name); err == nil {
		return nil, common.ErrNotFound
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	file, err := fs.inodes.allocate(ctx, idb, storage.KindFile, filePerm, "")
	if err != nil {
		return nil, err
	}
	if err := fs.store.InsertDentryWith(idb, ctx, parent.Ino, name, file.Ino); err != nil {
		return nil, err
	}
	return file, nil
}

// ReadFile returns the whole content of the file at path.
func (fs *FileSystem) ReadFile(ctx context.Context, path string) (data []byte, err error) {
	defer fs.finish("read", path, time.Now(), &err)
	log.Debugf("[VFS] ReadFile: path=%q", path)

	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		file, err := fs.resolver.resolve(ctx, tx, path, true)
		if err != nil {
			return err
		}
		if file.IsDir() {
			return common.ErrIsDir
		}
		data, err = fs.chunks.read(ctx, tx, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	fs.observeBytes(DirectionRead, len(data))
	return data, nil
}

// --- Namespace Operations ---

// Remove deletes the entry at path. A final symlink is removed, not
// followed. A non-empty directory needs recursive; its subtree is deleted
// depth-first in the same transaction, chunks included.
func (fs *FileSystem) Remove(ctx context.Context, path string, recursive bool) (err error) {
	defer fs.finish("remove", path, time.Now(), &err)
	log.Debugf("[VFS] Remove: path=%q recursive=%v", path, recursive)

	freed := 0
	err = fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		freed = 0
		parent, name, err := fs.resolver.resolveParent(ctx, tx, path)
		if err != nil {
			return err
		}
		inode, err := fs.store.LookupWith(tx, ctx, parent.Ino, name)
		if err != nil {
			return err
		}
		if inode.IsDir() && recursive {
			n, err := fs.removeChildren(ctx, tx, inode.Ino)
			if err != nil {
				return err
			}
			freed += n
		}
		n, err := fs.unlink(ctx, tx, parent.Ino, name, inode)
		freed += n
		return err
	})
	if err == nil {
		log.Debugf("[VFS] Remove: path=%q freed %d inodes", path, freed)
	}
	return err
}

// unlink removes one dentry and frees its inode if nothing else names it.
func (fs *FileSystem) unlink(ctx context.Context, idb bun.IDB, parentIno int64, name string, inode *storage.Inode) (int, error) {
	if err := fs.store.DeleteDentryWith(idb, ctx, parentIno, name); err != nil {
		return 0, err
	}
	released, err := fs.inodes.release(ctx, idb, inode)
	if err != nil || !released {
		return 0, err
	}
	return 1, nil
}

// removeChildren empties directory dirIno, deepest entries first.
func (fs *FileSystem) removeChildren(ctx context.Context, idb bun.IDB, dirIno int64) (int, error) {
	children, err := fs.store.ListDentriesWith(idb, ctx, dirIno)
	if err != nil {
		return 0, err
	}
	freed := 0
	for _, child := range children {
		inode := &storage.Inode{Ino: child.Ino, Kind: child.Kind, Mode: child.Mode, Size: child.Size}
		if inode.IsDir() {
			n, err := fs.removeChildren(ctx, idb, child.Ino)
			if err != nil {
				return freed, err
			}
			freed += n
		}
		n, err := fs.unlink(ctx, idb, dirIno, child.Name, inode)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

// Symlink creates a symbolic link at path pointing to target. The target is
// stored as given and not checked.
func (fs *FileSystem) Symlink(ctx context.Context, target, path string) (err error) {
	defer fs.finish("symlink", path, time.Now(), &err)
	log.Debugf("[VFS] Symlink: path=%q target=%q", path, target)
	if target == "" || strings.ContainsRune(target, 0) {
		return fmt.Errorf("%w: invalid symlink target %q", common.ErrInvalidArgument, target)
	}

	return fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		parent, name, err := fs.resolver.resolveParent(ctx, tx, path)
		if err != nil {
			return err
		}
		link, err := fs.inodes.allocate(ctx, tx, storage.KindSymlink, symlinkPerm, target)
		if err != nil {
			return err
		}
		return fs.store.InsertDentryWith(tx, ctx, parent.Ino, name, link.Ino)
	})
}

// Readlink returns the target of the symlink at path.
func (fs *FileSystem) Readlink(ctx context.Context, path string) (target string, err error) {
	defer fs.finish("readlink", path, time.Now(), &err)

	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		link, err := fs.resolver.resolve(ctx, tx, path, false)
		if err != nil {
			return err
		}
		if !link.IsSymlink() {
			return fmt.Errorf("%w: not a symlink", common.ErrInvalidArgument)
		}
		target = link.LinkTarget
		return nil
	})
	return target, err
}

// Rename moves oldPath to newPath in one transaction. An existing
// destination of the same kind is replaced; a directory must be empty.
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string) (err error) {
	defer fs.finish("rename", oldPath, time.Now(), &err)
	log.Debugf("[VFS] Rename: %q -> %q", oldPath, newPath)

	return fs.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		srcParent, srcName, err := fs.resolver.resolveParent(ctx, tx, oldPath)
		if err != nil {
			return err
		}
		src, err := fs.store.LookupWith(tx, ctx, srcParent.Ino, srcName)
		if err != nil {
			return err
		}
		dstParent, dstName, err := fs.resolver.resolveParent(ctx, tx, newPath)
		if err != nil {
			return err
		}
		if srcParent.Ino == dstParent.Ino && srcName == dstName {
			return nil
		}
		if src.IsDir() {
			inside, err := fs.resolver.isAncestor(ctx, tx, src.Ino, dstParent.Ino)
			if err != nil {
				return err
			}
			if inside {
				return fmt.Errorf("%w: cannot move a directory into itself", common.ErrInvalidArgument)
			}
		}

		dst, err := fs.store.LookupWith(tx, ctx, dstParent.Ino, dstName)
		switch {
		case err == nil:
			if dst.Ino == src.Ino {
				return nil
			}
			if src.IsDir() && !dst.IsDir() {
				return common.ErrNotDir
			}
			if !src.IsDir() && dst.IsDir() {
				return common.ErrIsDir
			}
			if _, err := fs.unlink(ctx, tx, dstParent.Ino, dstName, dst); err != nil {
				return err
			}
		case !errors.Is(err, common.ErrNotFound):
			return err
		}
		return fs.store.MoveDentryWith(tx, ctx, srcParent.Ino, srcName, dstParent.Ino, dstName)
	})
}

// --- Lookups ---

// Exists reports whether path resolves. Resolution failures are false;
// only storage failures are returned as errors.
func (fs *FileSystem) Exists(ctx context.Context, path string) (ok bool, err error) {
	defer fs.finish("exists", path, time.Now(), &err)

	_, err = fs.resolve(ctx, path, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrNotDir),
		errors.Is(err, common.ErrTooManyLinks),
		errors.Is(err, common.ErrInvalidPath):
		return false, nil
	}
	return false, err
}

// Stat returns the metadata of path, following a final symlink.
func (fs *FileSystem) Stat(ctx context.Context, path string) (md *Metadata, err error) {
	defer fs.finish("stat", path, time.Now(), &err)

	inode, err := fs.resolve(ctx, path, true)
	if err != nil {
		return nil, err
	}
	return metadataOf(inode), nil
}

// Lstat is Stat without following a final symlink.
func (fs *FileSystem) Lstat(ctx context.Context, path string) (md *Metadata, err error) {
	defer fs.finish("lstat", path, time.Now(), &err)

	inode, err := fs.resolve(ctx, path, false)
	if err != nil {
		return nil, err
	}
	return metadataOf(inode), nil
}

// Resolve returns the inode number path refers to, following symlinks.
func (fs *FileSystem) Resolve(ctx context.Context, path string) (ino int64, err error) {
	defer fs.finish("resolve", path, time.Now(), &err)

	inode, err := fs.resolve(ctx, path, true)
	if err != nil {
		return 0, err
	}
	return inode.Ino, nil
}

// ResolveParent returns the inode of the directory containing path and the
// final path component. The final component need not exist.
func (fs *FileSystem) ResolveParent(ctx context.Context, path string) (parentIno int64, name string, err error) {
	defer fs.finish("resolve", path, time.Now(), &err)

	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		parent, leaf, err := fs.resolver.resolveParent(ctx, tx, path)
		if err != nil {
			return err
		}
		parentIno, name = parent.Ino, leaf
		return nil
	})
	return parentIno, name, err
}

func (fs *FileSystem) resolve(ctx context.Context, path string, follow bool) (inode *storage.Inode, err error) {
	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		inode, err = fs.resolver.resolve(ctx, tx, path, follow)
		return err
	})
	return inode, err
}

// Usage returns counts of inodes by kind and stored content sizes.
func (fs *FileSystem) Usage(ctx context.Context) (stats *storage.Stats, err error) {
	defer fs.finish("usage", "/", time.Now(), &err)

	err = fs.store.RunInReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		stats, err = fs.store.StatsWith(tx, ctx)
		return err
	})
	return stats, err
}

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
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// resolver maps paths to inodes by walking dentries from the root, one
// lookup per component. It keeps no cache; every call reads storage.
type resolver struct {
	store    *storage.Store
	mount    string
	maxLinks int
}

func newResolver(store *storage.Store, mount string, maxLinks int) *resolver {
	return &resolver{store: store, mount: mount, maxLinks: maxLinks}
}

// components strips the mount prefix and splits p. Relative paths are taken
// relative to the mount root.
func (r *resolver) components(p string) []string {
	return common.SplitComponents(common.StripMountPrefix(r.mount, p))
}

// walk resolves parts starting at the root. Intermediate symlinks are always
// followed; the last one only when follow is set.
//
// ".." pops the stack of resolved ancestors rather than editing the string,
// so "/link/.." is the parent of the link target, not of the link.
func (r *resolver) walk(ctx context.Context, idb bun.IDB, parts []string, follow bool) (*storage.Inode, error) {
	pending := append([]string(nil), parts...)
	stack := []int64{storage.RootIno}
	// cur is the inode on top of the stack; nil means a directory that was
	// not loaded (root, a ".." target or a symlink's parent).
	var cur *storage.Inode
	links := 0

	for len(pending) > 0 {
		if cur != nil && !cur.IsDir() {
			return nil, common.ErrNotDir
		}
		name := pending[0]
		pending = pending[1:]

		if name == ".." {
			if len(stack) == 1 {
				return nil, fmt.Errorf("%w: path escapes the mount root", common.ErrInvalidPath)
			}
			stack = stack[:len(stack)-1]
			cur = nil
			continue
		}

		child, err := r.store.LookupWith(idb, ctx, stack[len(stack)-1], name)
		if err != nil {
			return nil, err
		}

		if child.IsSymlink() && (len(pending) > 0 || follow) {
			links++
			if links > r.maxLinks {
				return nil, common.ErrTooManyLinks
			}
			target := child.LinkTarget
			if strings.HasPrefix(target, "/") {
				target = common.StripMountPrefix(r.mount, target)
				stack = stack[:1]
			}
			pending = append(common.SplitComponents(target), pending...)
			cur = nil
			continue
		}

		stack = append(stack, child.Ino)
		cur = child
	}

	if cur != nil {
		return cur, nil
	}
	return r.store.GetInodeWith(idb, ctx, stack[len(stack)-1])
}

// resolve resolves path, following a final symlink when follow is set.
func (r *resolver) resolve(ctx context.Context, idb bun.IDB, path string, follow bool) (*storage.Inode, error) {
	return r.walk(ctx, idb, r.components(path), follow)
}

// resolveParent resolves every component but the last and returns the parent
// directory with the leaf name. The leaf itself is not looked up.
func (r *resolver) resolveParent(ctx context.Context, idb bun.IDB, path string) (*storage.Inode, string, error) {
	parts := r.components(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: the root has no parent", common.ErrInvalidPath)
	}
	name := parts[len(parts)-1]
	if err := common.ValidateName(name); err != nil {
		return nil, "", err
	}
	parent, err := r.walk(ctx, idb, parts[:len(parts)-1], true)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		return nil, "", common.ErrNotDir
	}
	return parent, name, nil
}

// isAncestor reports whether ancestor is dir or one of its ancestors, by
// following parent dentries upward.
func (r *resolver) isAncestor(ctx context.Context, idb bun.IDB, ancestor, dir int64) (bool, error) {
	for ino := dir; ; {
		if ino == ancestor {
			return true, nil
		}
		if ino == storage.RootIno {
			return false, nil
		}
		parent, err := r.store.ParentOfWith(idb, ctx, ino)
		if err != nil {
			return false, err
		}
		ino = parent.ParentIno
	}
}

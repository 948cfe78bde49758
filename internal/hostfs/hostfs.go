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

// Package hostfs copies trees between the host filesystem and an agent
// filesystem.
package hostfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

// Summary counts what a copy touched.
type Summary struct {
	Dirs     int
	Files    int
	Symlinks int
	Bytes    int64
	Skipped  int
}

// Import copies the host path src into the agent filesystem at dest.
// A regular file is written to dest itself; a directory is merged into dest,
// which is created if needed. filter may be nil.
func Import(ctx context.Context, fsys *vfs.FileSystem, src, dest string, filter Filter) (Summary, error) {
	var sum Summary
	info, err := os.Stat(src)
	if err != nil {
		return sum, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(src)
		if err != nil {
			return sum, err
		}
		if err := fsys.WriteFile(ctx, dest, data); err != nil {
			return sum, err
		}
		sum.Files++
		sum.Bytes += int64(len(data))
		return sum, nil
	}

	if err := fsys.MkdirAll(ctx, dest); err != nil {
		return sum, err
	}
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if filter != nil && !filter(rel, d.IsDir()) {
			sum.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := path.Join(dest, rel)
		switch {
		case d.IsDir():
			if err := fsys.MkdirAll(ctx, target); err != nil {
				return err
			}
			sum.Dirs++
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := fsys.Symlink(ctx, link, target); err != nil {
				return err
			}
			sum.Symlinks++
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			if err := fsys.WriteFile(ctx, target, data); err != nil {
				return err
			}
			sum.Files++
			sum.Bytes += int64(len(data))
		default:
			log.Debugf("[HOSTFS] skipping special file %s", p)
			sum.Skipped++
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("import %s: %w", src, err)
	}
	log.Debugf("[HOSTFS] imported %s -> %s: %d dirs, %d files, %d symlinks, %d skipped",
		src, dest, sum.Dirs, sum.Files, sum.Symlinks, sum.Skipped)
	return sum, nil
}

// Export writes the agent filesystem subtree at src to the host directory
// dest. Symlink targets are copied verbatim.
func Export(ctx context.Context, fsys *vfs.FileSystem, src, dest string) (Summary, error) {
	var sum Summary
	md, err := fsys.Lstat(ctx, src)
	if err != nil {
		return sum, err
	}
	if err := exportEntry(ctx, fsys, src, dest, md.Kind, md.Mode, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func exportEntry(ctx context.Context, fsys *vfs.FileSystem, src, dest string, kind storage.Kind, mode uint32, sum *Summary) error {
	perm := os.FileMode(mode & 0o777)
	switch kind {
	case storage.KindDirectory:
		if err := os.MkdirAll(dest, perm|0700); err != nil {
			return err
		}
		sum.Dirs++
		entries, err := fsys.Readdir(ctx, src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := exportEntry(ctx, fsys, path.Join(src, e.Name), filepath.Join(dest, e.Name), e.Kind, e.Mode, sum); err != nil {
				return err
			}
		}
	case storage.KindSymlink:
		target, err := fsys.Readlink(ctx, src)
		if err != nil {
			return err
		}
		if err := os.Symlink(target, dest); err != nil {
			return err
		}
		sum.Symlinks++
	default:
		data, err := fsys.ReadFile(ctx, src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, perm); err != nil {
			return err
		}
		sum.Files++
		sum.Bytes += int64(len(data))
	}
	return nil
}

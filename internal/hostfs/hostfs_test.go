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

package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/storage"
	"agentfs/internal/storage/storagetest"
	"agentfs/internal/vfs"
)

func testFS(t *testing.T) *vfs.FileSystem {
	t.Helper()
	fsys, err := vfs.New(storage.NewStore(storagetest.SQLite(t)), vfs.Options{})
	require.NoError(t, err)
	return fsys
}

// writeTree creates files under root; a trailing slash makes a directory.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if name[len(name)-1] == '/' {
			require.NoError(t, os.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":         "*.log\nbuild/\n",
		"src/.gitignore":     "generated.go\n",
		"src/main.go":        "package main",
		"src/generated.go":   "package main",
		"other/generated.go": "package other",
		"build/":             "",
	})

	tests := []struct {
		name     string
		filter   Filter
		relPath  string
		isDir    bool
		expected bool
	}{
		{"plain file", NewFilter(root, true, nil), "src/main.go", false, true},
		{"root pattern", NewFilter(root, true, nil), "debug.log", false, false},
		{"root pattern nested", NewFilter(root, true, nil), "src/debug.log", false, false},
		{"dir pattern", NewFilter(root, true, nil), "build", true, false},
		{"scoped pattern", NewFilter(root, true, nil), "src/generated.go", false, false},
		{"scoped pattern elsewhere", NewFilter(root, true, nil), "other/generated.go", false, true},
		{"git dir", NewFilter(root, false, nil), ".git", true, false},
		{"git contents", NewFilter(root, false, nil), ".git/HEAD", false, false},
		{"gitignore disabled", NewFilter(root, false, nil), "debug.log", false, true},
		{"exclude", NewFilter(root, false, []string{"src"}), "src/main.go", false, false},
		{"exclude exact", NewFilter(root, false, []string{"src/"}), "src", true, false},
		{"exclude prefix only", NewFilter(root, false, []string{"src"}), "srcs/a", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter(tt.relPath, tt.isDir))
		})
	}
}

func TestImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		".gitignore":        "*.tmp\n",
		"README.md":         "# project",
		"pkg/lib.go":        "package pkg",
		"pkg/scratch.tmp":   "junk",
		"pkg/nested/deep/x": "x",
		"empty/":            "",
	})
	require.NoError(t, os.Symlink("pkg/lib.go", filepath.Join(src, "lib")))

	fsys := testFS(t)
	sum, err := Import(ctx, fsys, src, "/project", NewFilter(src, true, nil))
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Dirs) // pkg, pkg/nested, pkg/nested/deep, empty
	assert.Equal(t, 4, sum.Files)
	assert.Equal(t, 1, sum.Symlinks)
	assert.Equal(t, 1, sum.Skipped)

	data, err := fsys.ReadFile(ctx, "/project/pkg/lib.go")
	require.NoError(t, err)
	assert.Equal(t, "package pkg", string(data))

	data, err = fsys.ReadFile(ctx, "/project/lib")
	require.NoError(t, err)
	assert.Equal(t, "package pkg", string(data))

	ok, err := fsys.Exists(ctx, "/project/pkg/scratch.tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	md, err := fsys.Stat(ctx, "/project/empty")
	require.NoError(t, err)
	assert.True(t, md.IsDir())

	t.Run("reimport overwrites", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("v2"), 0644))
		require.NoError(t, os.Remove(filepath.Join(src, "lib")))
		_, err := Import(ctx, fsys, src, "/project", NewFilter(src, true, nil))
		require.NoError(t, err)
		data, err := fsys.ReadFile(ctx, "/project/README.md")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("single file", func(t *testing.T) {
		_, err := Import(ctx, fsys, filepath.Join(src, "README.md"), "/readme", nil)
		require.NoError(t, err)
		data, err := fsys.ReadFile(ctx, "/readme")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := Import(ctx, fsys, filepath.Join(src, "nope"), "/x", nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestExport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fsys := testFS(t)
	require.NoError(t, fsys.MkdirAll(ctx, "/out/a/b"))
	require.NoError(t, fsys.WriteFile(ctx, "/out/a/b/file.txt", []byte("payload")))
	require.NoError(t, fsys.WriteFile(ctx, "/out/top", []byte("t")))
	require.NoError(t, fsys.Symlink(ctx, "a/b/file.txt", "/out/link"))

	dest := filepath.Join(t.TempDir(), "export")
	sum, err := Export(ctx, fsys, "/out", dest)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Dirs)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 1, sum.Symlinks)
	assert.EqualValues(t, 8, sum.Bytes)

	data, err := os.ReadFile(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a/b/file.txt", target)

	var names []string
	require.NoError(t, filepath.WalkDir(dest, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(dest, p)
		names = append(names, filepath.ToSlash(rel))
		return nil
	}))
	sort.Strings(names)
	assert.Equal(t, []string{".", "a", "a/b", "a/b/file.txt", "link", "top"}, names)

	t.Run("round trip", func(t *testing.T) {
		other := testFS(t)
		_, err := Import(ctx, other, dest, "/", nil)
		require.NoError(t, err)
		data, err := other.ReadFile(ctx, "/a/b/file.txt")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})
}

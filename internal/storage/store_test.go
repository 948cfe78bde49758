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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
)

// testStore opens a SQLite-backed store in a temporary directory.
// Uses t.TempDir() which automatically cleans up after the test.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	backend, err := OpenSQLite(context.Background(), Options{Path: path})
	require.NoError(t, err, "failed to open sqlite backend")
	t.Cleanup(func() { backend.Close() })

	return NewStore(backend)
}

// mustInode inserts an inode of the given kind and returns its number.
func mustInode(t *testing.T, s *Store, kind Kind) int64 {
	t.Helper()
	now := time.Now()
	ino, err := s.InsertInodeWith(s.DB(), context.Background(), &Inode{
		Kind:       kind,
		Mode:       kind.TypeBits() | 0644,
		CreatedAt:  now,
		ModifiedAt: now,
	})
	require.NoError(t, err)
	return ino
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates root inode", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)

		root, err := s.GetInode(context.Background(), RootIno)
		require.NoError(t, err)
		assert.True(t, root.IsDir(), "root inode should be a directory")
		assert.Equal(t, uint32(DefaultDirMode), root.Mode)
	})

	t.Run("reopen is idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "reopen.db")

		b1, err := Open(ctx, Options{Driver: DriverSQLite, Path: path})
		require.NoError(t, err)
		s1 := NewStore(b1)
		ino := mustInode(t, s1, KindFile)
		require.NoError(t, b1.Close())

		b2, err := Open(ctx, Options{Driver: DriverSQLite, Path: path})
		require.NoError(t, err)
		defer b2.Close()
		s2 := NewStore(b2)

		got, err := s2.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.True(t, got.IsFile())

		stats, err := s2.StatsWith(s2.DB(), ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Inodes, "root must not be duplicated")
	})

	t.Run("creates parent directory", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "nested", "dir", "agent.db")
		b, err := OpenSQLite(context.Background(), Options{Path: path})
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, path, b.Path())
		assert.Equal(t, DriverSQLite, b.Dialect())
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Parallel()
		_, err := Open(context.Background(), Options{Driver: "mysql"})
		assert.Error(t, err)
	})

	t.Run("sqlite requires path", func(t *testing.T) {
		t.Parallel()
		_, err := OpenSQLite(context.Background(), Options{})
		assert.Error(t, err)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		t.Parallel()
		_, err := OpenPostgres(context.Background(), Options{})
		assert.Error(t, err)
	})
}

func TestInodes(t *testing.T) {
	t.Parallel()

	t.Run("allocation starts after root and increases", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)

		first := mustInode(t, s, KindDirectory)
		second := mustInode(t, s, KindFile)
		assert.Equal(t, int64(2), first)
		assert.Greater(t, second, first)
	})

	t.Run("missing inode", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)

		_, err := s.GetInode(context.Background(), 99999)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("update writes mutable columns", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		ino := mustInode(t, s, KindFile)

		inode, err := s.GetInode(ctx, ino)
		require.NoError(t, err)
		inode.Size = 42
		inode.Mode = ModeFile | 0600
		inode.ModifiedAt = inode.ModifiedAt.Add(time.Second)
		require.NoError(t, s.UpdateInodeWith(s.DB(), ctx, inode))

		got, err := s.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.Size)
		assert.Equal(t, uint32(0600), got.Permissions())
		assert.Equal(t, inode.ModifiedAt.UnixNano(), got.ModifiedAt.UnixNano())
		assert.Equal(t, inode.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	})

	t.Run("update missing inode", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		err := s.UpdateInodeWith(s.DB(), context.Background(), &Inode{Ino: 4242, Kind: KindFile})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("symlink target round trip", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		ino, err := s.InsertInodeWith(s.DB(), ctx, &Inode{
			Kind:       KindSymlink,
			Mode:       DefaultSymlinkMode,
			LinkTarget: "../docs",
			Size:       7,
		})
		require.NoError(t, err)

		got, err := s.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.True(t, got.IsSymlink())
		assert.Equal(t, "../docs", got.LinkTarget)
	})

	t.Run("referenced inode cannot be deleted", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		ino := mustInode(t, s, KindFile)
		require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "a.txt", ino))

		err := s.DeleteInodeWith(s.DB(), ctx, ino)
		assert.ErrorIs(t, err, common.ErrNotEmpty)

		require.NoError(t, s.DeleteDentryWith(s.DB(), ctx, RootIno, "a.txt"))
		require.NoError(t, s.DeleteInodeWith(s.DB(), ctx, ino))
		_, err = s.GetInode(ctx, ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestDentries(t *testing.T) {
	t.Parallel()

	t.Run("lookup joins inode", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		ino := mustInode(t, s, KindDirectory)
		require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "docs", ino))

		got, err := s.LookupWith(s.DB(), ctx, RootIno, "docs")
		require.NoError(t, err)
		assert.Equal(t, ino, got.Ino)
		assert.True(t, got.IsDir())

		_, err = s.LookupWith(s.DB(), ctx, RootIno, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("duplicate name is rejected by the constraint", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		a := mustInode(t, s, KindFile)
		b := mustInode(t, s, KindFile)

		require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "same", a))
		err := s.InsertDentryWith(s.DB(), ctx, RootIno, "same", b)
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("missing parent", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ino := mustInode(t, s, KindFile)

		err := s.InsertDentryWith(s.DB(), context.Background(), 777, "orphan", ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("list is ordered by name", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		for _, name := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, name, mustInode(t, s, KindFile)))
		}

		entries, err := s.ListDentriesWith(s.DB(), ctx, RootIno)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "alpha", entries[0].Name)
		assert.Equal(t, "mid", entries[1].Name)
		assert.Equal(t, "zeta", entries[2].Name)
		assert.Equal(t, KindFile, entries[0].Kind)

		n, err := s.CountChildrenWith(s.DB(), ctx, RootIno)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("move and parent lookup", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		dir := mustInode(t, s, KindDirectory)
		file := mustInode(t, s, KindFile)
		require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "dir", dir))
		require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "f", file))

		require.NoError(t, s.MoveDentryWith(s.DB(), ctx, RootIno, "f", dir, "g"))

		parent, err := s.ParentOfWith(s.DB(), ctx, file)
		require.NoError(t, err)
		assert.Equal(t, dir, parent.ParentIno)
		assert.Equal(t, "g", parent.Name)

		refs, err := s.RefCountWith(s.DB(), ctx, file)
		require.NoError(t, err)
		assert.Equal(t, 1, refs)

		err = s.MoveDentryWith(s.DB(), ctx, RootIno, "f", dir, "h")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("delete missing dentry", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		err := s.DeleteDentryWith(s.DB(), context.Background(), RootIno, "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestChunks(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	ino := mustInode(t, s, KindFile)

	chunks := []ChunkModel{
		{Ino: ino, Offset: 0, Length: 3, Digest: []byte{1}, Bytes: []byte("abc")},
		{Ino: ino, Offset: 3, Length: 3, Digest: []byte{2}, Bytes: []byte("def")},
		{Ino: ino, Offset: 6, Length: 2, Digest: []byte{3}, Bytes: []byte("gh")},
	}
	require.NoError(t, s.InsertChunksWith(s.DB(), ctx, chunks))

	got, err := s.ChunksWith(s.DB(), ctx, ino)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("def"), got[1].Bytes)

	at, err := s.ChunkAtWith(s.DB(), ctx, ino, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), at.Offset)

	n, err := s.DeleteChunksFromWith(s.DB(), ctx, ino, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.CountChunks(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err = s.DeleteChunksWith(s.DB(), ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ChunkAtWith(s.DB(), ctx, ino, 0)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRunInTx(t *testing.T) {
	t.Parallel()

	t.Run("rolls back on error", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		var allocated int64
		err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			ino, err := s.InsertInodeWith(tx, ctx, &Inode{Kind: KindFile, Mode: DefaultFileMode})
			if err != nil {
				return err
			}
			allocated = ino
			if err := s.InsertDentryWith(tx, ctx, RootIno, "x", ino); err != nil {
				return err
			}
			return common.ErrInvalidArgument
		})
		assert.ErrorIs(t, err, common.ErrInvalidArgument)

		_, err = s.GetInode(ctx, allocated)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = s.LookupWith(s.DB(), ctx, RootIno, "x")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			_, err := s.InsertInodeWith(tx, ctx, &Inode{Kind: KindFile, Mode: DefaultFileMode})
			return err
		})
		assert.Error(t, err)

		stats, err := s.StatsWith(s.DB(), context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Inodes)
	})
}

func TestKV(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.KVSetWith(s.DB(), ctx, "kv:a:one", []byte("1")))
	require.NoError(t, s.KVSetWith(s.DB(), ctx, "kv:a:two", []byte("2")))
	require.NoError(t, s.KVSetWith(s.DB(), ctx, "kv:b:one", []byte("x")))

	first, err := s.KVGetWith(s.DB(), ctx, "kv:a:one")
	require.NoError(t, err)
	require.NoError(t, s.KVSetWith(s.DB(), ctx, "kv:a:one", []byte("uno")))
	got, err := s.KVGetWith(s.DB(), ctx, "kv:a:one")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got.Value)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.GreaterOrEqual(t, got.UpdatedAt, first.UpdatedAt)

	keys, err := s.KVKeysWith(s.DB(), ctx, "kv:a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"kv:a:one", "kv:a:two"}, keys)

	existed, err := s.KVDeleteWith(s.DB(), ctx, "kv:a:one")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.KVDeleteWith(s.DB(), ctx, "kv:a:one")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.KVGetWith(s.DB(), ctx, "kv:a:one")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	dir := mustInode(t, s, KindDirectory)
	file := mustInode(t, s, KindFile)
	require.NoError(t, s.InsertDentryWith(s.DB(), ctx, RootIno, "d", dir))
	require.NoError(t, s.InsertDentryWith(s.DB(), ctx, dir, "f", file))

	inode, err := s.GetInode(ctx, file)
	require.NoError(t, err)
	inode.Size = 5
	require.NoError(t, s.UpdateInodeWith(s.DB(), ctx, inode))
	require.NoError(t, s.InsertChunksWith(s.DB(), ctx, []ChunkModel{
		{Ino: file, Offset: 0, Length: 5, Digest: []byte{0}, Bytes: []byte("hello")},
	}))

	stats, err := s.StatsWith(s.DB(), ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Inodes)
	assert.Equal(t, 2, stats.Directories)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 0, stats.Symlinks)
	assert.Equal(t, int64(5), stats.Bytes)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, int64(5), stats.StoredBytes)
}

func TestToolCalls(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UnixNano()

	calls := []ToolCallModel{
		{ID: "c1", AgentID: "agent", ToolName: "search", Params: `{"q":"a"}`, StartedAt: base},
		{ID: "c2", AgentID: "agent", ToolName: "fetch", Params: `{}`, StartedAt: base + 10},
		{ID: "c3", AgentID: "agent", ToolName: "search", Params: `{"q":"b"}`, StartedAt: base + 20},
		{ID: "c4", AgentID: "other", ToolName: "search", Params: `{}`, StartedAt: base + 30},
	}
	for i := range calls {
		require.NoError(t, s.InsertToolCallWith(s.DB(), ctx, &calls[i]))
	}

	err := s.InsertToolCallWith(s.DB(), ctx, &ToolCallModel{ID: "c1", AgentID: "agent", ToolName: "x", Params: "{}"})
	assert.ErrorIs(t, err, common.ErrExists)

	finished := calls[0]
	finished.Result.String, finished.Result.Valid = `{"hits":1}`, true
	finished.EndedAt.Int64, finished.EndedAt.Valid = base+5, true
	require.NoError(t, s.FinishToolCallWith(s.DB(), ctx, &finished))

	got, err := s.GetToolCallWith(s.DB(), ctx, "agent", "c1")
	require.NoError(t, err)
	assert.Equal(t, `{"hits":1}`, got.Result.String)
	assert.False(t, got.Error.Valid)
	assert.Equal(t, base+5, got.EndedAt.Int64)

	_, err = s.GetToolCallWith(s.DB(), ctx, "other", "c1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	missing := ToolCallModel{ID: "nope", AgentID: "agent"}
	assert.ErrorIs(t, s.FinishToolCallWith(s.DB(), ctx, &missing), common.ErrNotFound)

	all, err := s.QueryToolCallsWith(s.DB(), ctx, "agent", ToolCallFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].ID, "newest first")

	searches, err := s.QueryToolCallsWith(s.DB(), ctx, "agent", ToolCallFilter{ToolName: "search", Limit: 1})
	require.NoError(t, err)
	require.Len(t, searches, 1)
	assert.Equal(t, "c3", searches[0].ID)

	recent, err := s.QueryToolCallsWith(s.DB(), ctx, "agent", ToolCallFilter{Since: time.Unix(0, base+10)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

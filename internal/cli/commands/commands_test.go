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

package commands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/agentfs"
	"agentfs/internal/common"
	"agentfs/internal/config"
)

// Commands share package-level flag variables, so these tests run serially.

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args and stdin, returning stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, stdin, args...)
	require.NoError(t, err, "agentfs %s", strings.Join(args, " "))
	return out
}

func setupConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigDir, dir)
	t.Setenv(config.EnvDB, "")
	return dir
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "2024-01-02", formatBuildDate("1704196800"))
	assert.Equal(t, "unknown", formatBuildDate("unknown"))

	defer SetVersion(version, commit, date)
	SetVersion("1.2.0", "abc123", "1704196800")
	assert.Equal(t, "1.2.0 (2024-01-02)", rootCmd.Version)
	SetVersion("1.3.0-dev", "abc123", "1704196800")
	assert.Equal(t, "1.3.0-dev (2024-01-02, epoch: 1704196800, commit: abc123)", rootCmd.Version)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "drwxr-xr-x", modeString("directory", 0040755))
	assert.Equal(t, "-rw-r--r--", modeString("file", 0100644))
	assert.Equal(t, "lrwxrwxrwx", modeString("symlink", 0120777))
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://agent:xxxxx@db:5432/agentfs", redactDSN("postgres://agent:secret@db:5432/agentfs"))
	assert.Equal(t, "postgres://db/agentfs", redactDSN("postgres://db/agentfs"))
}

func TestInit(t *testing.T) {
	dir := setupConfigDir(t)

	out := mustRun(t, "", "init")
	assert.Contains(t, out, "Initialized AgentFS config in "+dir)
	assert.Contains(t, out, "created config.yaml")
	assert.Contains(t, out, "database: "+filepath.Join(dir, "agent.db")+" (sqlite")
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "agent.db"))

	out = mustRun(t, "", "init")
	assert.Contains(t, out, "Reinitialized existing AgentFS config")
	assert.Contains(t, out, "config.yaml already exists (not modified)")
}

func TestFileCommands(t *testing.T) {
	setupConfigDir(t)
	mustRun(t, "", "init")

	mustRun(t, "", "mkdir", "-p", "/agent/docs/notes")
	mustRun(t, "hello", "write", "/docs/notes/a.txt")
	assert.Equal(t, "hello", mustRun(t, "", "cat", "/agent/docs/notes/a.txt"))

	host := filepath.Join(t.TempDir(), "more.txt")
	require.NoError(t, os.WriteFile(host, []byte(" world"), 0644))
	mustRun(t, "", "append", "--from", host, "/docs/notes/a.txt")
	assert.Equal(t, "hello world", mustRun(t, "", "cat", "/docs/notes/a.txt"))

	t.Run("mkdir without -p", func(t *testing.T) {
		_, err := run(t, "", "mkdir", "/docs")
		assert.ErrorIs(t, err, common.ErrExists)
		mustRun(t, "", "mkdir", "-p", "/docs")

		mustRun(t, "", "mkdir", "/x/y")
		out := mustRun(t, "", "stat", "/x/y")
		assert.Contains(t, out, "Type: directory\n")
		mustRun(t, "", "rm", "-r", "/x")
	})

	t.Run("symlinks", func(t *testing.T) {
		mustRun(t, "", "ln", "-s", "notes/a.txt", "/docs/link")
		assert.Equal(t, "notes/a.txt\n", mustRun(t, "", "readlink", "/docs/link"))
		assert.Equal(t, "hello world", mustRun(t, "", "cat", "/docs/link"))

		_, err := run(t, "", "ln", "notes", "/docs/hard")
		assert.Error(t, err)
	})

	t.Run("ls", func(t *testing.T) {
		assert.Equal(t, "link\nnotes\n", mustRun(t, "", "ls", "/docs"))
		long := mustRun(t, "", "ls", "-l", "/docs")
		lines := strings.Split(strings.TrimSpace(long), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "lrwxrwxrwx"), lines[0])
		assert.True(t, strings.HasSuffix(lines[0], "link -> notes/a.txt"), lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "drwxr-xr-x"), lines[1])
	})

	t.Run("stat", func(t *testing.T) {
		out := mustRun(t, "", "stat", "/docs/link")
		assert.Contains(t, out, "Type: file\n")
		assert.Contains(t, out, "Size: 11\n")

		out = mustRun(t, "", "stat", "--no-follow", "/docs/link")
		assert.Contains(t, out, "Type: symlink\n")
		assert.Contains(t, out, "Target: notes/a.txt\n")
	})

	t.Run("truncate", func(t *testing.T) {
		mustRun(t, "abcdef", "write", "/t")
		mustRun(t, "", "truncate", "-s", "3", "/t")
		assert.Equal(t, "abc", mustRun(t, "", "cat", "/t"))
	})

	t.Run("mv and rm", func(t *testing.T) {
		mustRun(t, "", "mv", "/docs/notes/a.txt", "/docs/b.txt")
		assert.Equal(t, "hello world", mustRun(t, "", "cat", "/docs/b.txt"))

		_, err := run(t, "", "cat", "/docs/link")
		assert.ErrorIs(t, err, common.ErrNotFound)

		_, err = run(t, "", "rm", "/docs")
		assert.ErrorIs(t, err, common.ErrNotEmpty)

		mustRun(t, "", "rm", "-r", "/docs", "/t")
		assert.Equal(t, "", mustRun(t, "", "ls"))
	})

	t.Run("errors carry the path", func(t *testing.T) {
		_, err := run(t, "", "cat", "/missing")
		require.Error(t, err)
		assert.Equal(t, "read /missing: not found", err.Error())
	})
}

func TestDBFlag(t *testing.T) {
	setupConfigDir(t)
	db := filepath.Join(t.TempDir(), "other.db")

	mustRun(t, "data", "--db", db, "write", "/f")
	assert.FileExists(t, db)
	assert.Equal(t, "data", mustRun(t, "", "--db", db, "cat", "/f"))

	// The default database does not see it.
	_, err := run(t, "", "cat", "/f")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestKVCommands(t *testing.T) {
	setupConfigDir(t)

	mustRun(t, "", "kv", "set", "k1", "v1")
	mustRun(t, "from stdin", "kv", "set", "k2")
	mustRun(t, "", "kv", "set", "other", "x")

	assert.Equal(t, "v1", mustRun(t, "", "kv", "get", "k1"))
	assert.Equal(t, "from stdin", mustRun(t, "", "kv", "get", "k2"))
	assert.Equal(t, "k1\nk2\nother\n", mustRun(t, "", "kv", "ls"))
	assert.Equal(t, "k1\nk2\n", mustRun(t, "", "kv", "ls", "k"))

	mustRun(t, "", "kv", "rm", "k1", "never-set")
	_, err := run(t, "", "kv", "get", "k1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestToolsCommands(t *testing.T) {
	setupConfigDir(t)

	id := strings.TrimSpace(mustRun(t, "", "tools", "record", "search", "--params", `{"q":"go"}`, "--result", `[1,2]`))
	require.NotEmpty(t, id)
	mustRun(t, "", "tools", "record", "fetch", "--error", "timeout")

	out := mustRun(t, "", "tools", "ls")
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "error: timeout")

	out = mustRun(t, "", "tools", "ls", "--name", "search")
	assert.NotContains(t, out, "fetch")

	out = mustRun(t, "", "tools", "show", id)
	assert.Contains(t, out, `"tool": "search"`)
	assert.Contains(t, out, `"q": "go"`)
	assert.Contains(t, out, `"ended_at"`)

	_, err := run(t, "", "tools", "show", "no-such-id")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = run(t, "", "tools", "record", "bad", "--params", "{not json")
	assert.Error(t, err)
	_, err = run(t, "", "tools", "record", "bad", "--result", "1", "--error", "boom")
	assert.Error(t, err)
}

func TestImportExportCommands(t *testing.T) {
	setupConfigDir(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, ".gitignore"), []byte("*.log\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "debug.log"), []byte("noise"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "vendor", "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "vendor", "lib", "x.go"), []byte("package lib"), 0644))

	out := mustRun(t, "", "import", "--exclude", "vendor", src, "/proj")
	assert.Contains(t, out, "Imported 2 files")
	assert.Contains(t, out, "skipped 2")
	assert.Equal(t, ".gitignore\nmain.go\n", mustRun(t, "", "ls", "/proj"))

	mustRun(t, "", "import", "--no-gitignore", src, "/all")
	assert.Equal(t, ".gitignore\ndebug.log\nmain.go\nvendor\n", mustRun(t, "", "ls", "/all"))

	dest := filepath.Join(t.TempDir(), "out")
	out = mustRun(t, "", "export", "/proj", dest)
	assert.Contains(t, out, "Exported 2 files")
	data, err := os.ReadFile(filepath.Join(dest, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestInfo(t *testing.T) {
	dir := setupConfigDir(t)
	mustRun(t, "", "mkdir", "/d")
	mustRun(t, "12345", "write", "/d/f")

	out := mustRun(t, "", "info")
	assert.Contains(t, out, "Config: "+filepath.Join(dir, "config.yaml"))
	assert.Contains(t, out, "Agent: default\n")
	assert.Contains(t, out, "Mount: /agent\n")
	assert.Contains(t, out, "Inodes: 3 (2 directories, 1 files, 0 symlinks)")
	assert.Contains(t, out, "Data: 5 bytes")
}

func TestMetricsAddr(t *testing.T) {
	setupConfigDir(t)
	mustRun(t, "", "--metrics-addr", "127.0.0.1:0", "mkdir", "/m")

	_, err := run(t, "", "--metrics-addr", "not-an-address", "ls")
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "agent.db")
	a, err := agentfs.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.FS.WriteFile(context.Background(), "/f", []byte("abc")))

	rec := httptest.NewRecorder()
	metricsHandler(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentfs_fs_operations_total")
	assert.Contains(t, rec.Body.String(), `agentfs_fs_bytes_total{direction="write"} 3`)

	cfg.Metrics.Enabled = false
	b, err := agentfs.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	rec = httptest.NewRecorder()
	metricsHandler(b).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

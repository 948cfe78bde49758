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

// Package storagetest opens throwaway storage backends for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentfs/internal/storage"
)

// SQLite opens a SQLite backend in a per-test temporary directory and closes
// it when the test ends.
func SQLite(t testing.TB) *storage.SQLiteBackend {
	t.Helper()
	return SQLiteWith(t, storage.Options{})
}

// SQLiteWith is SQLite with caller-supplied options. Path is always replaced.
func SQLiteWith(t testing.TB, opts storage.Options) *storage.SQLiteBackend {
	t.Helper()
	opts.Path = filepath.Join(t.TempDir(), "agent.db")
	return SQLiteAt(t, opts)
}

// SQLiteAt opens a SQLite backend on opts.Path, which several backends may
// share, and closes it when the test ends.
func SQLiteAt(t testing.TB, opts storage.Options) *storage.SQLiteBackend {
	t.Helper()
	opts.Driver = storage.DriverSQLite

	backend, err := storage.OpenSQLite(context.Background(), opts)
	require.NoError(t, err, "failed to open sqlite backend")
	t.Cleanup(func() { backend.Close() })
	return backend
}

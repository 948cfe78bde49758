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

// Package agentfs opens the filesystem, KV store and tool-call recorder of
// one agent over a single database.
package agentfs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/config"
	"agentfs/internal/kv"
	"agentfs/internal/metrics"
	"agentfs/internal/storage"
	"agentfs/internal/tools"
	"agentfs/internal/vfs"
)

// AgentFS bundles the per-agent views of one database.
type AgentFS struct {
	FS    *vfs.FileSystem
	KV    *kv.Store
	Tools *tools.Recorder

	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// StorageOptions converts the storage section of cfg for storage.Open.
func StorageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.DatabasePath(),
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  time.Duration(cfg.Storage.BusyTimeout) * time.Millisecond,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		LockRetries:  cfg.Storage.LockRetries,
	}
}

// Open opens the backend selected by cfg and builds the filesystem, KV and
// tool views on it. cfg must be validated.
func Open(ctx context.Context, cfg *config.Config) (*AgentFS, error) {
	backend, err := storage.Open(ctx, StorageOptions(cfg))
	if err != nil {
		return nil, err
	}
	a, err := New(storage.NewStore(backend), cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	log.Debugf("[AGENTFS] opened agent %q on %s", cfg.AgentID, backend.Dialect())
	return a, nil
}

// New builds an AgentFS over an already opened store.
func New(store *storage.Store, cfg *config.Config) (*AgentFS, error) {
	a := &AgentFS{store: store}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.New(a.registry)
	}

	opts := vfs.Options{
		MountPath:   cfg.MountPath,
		ChunkSize:   cfg.FS.ChunkSize,
		MaxSymlinks: cfg.FS.MaxSymlinks,
		Compression: cfg.FS.Compression,
	}
	if a.metrics != nil {
		opts.Observer = a.metrics
	}
	fsys, err := vfs.New(store, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem: %w", err)
	}

	a.FS = fsys
	a.KV = kv.New(store, cfg.AgentID, a.metrics)
	a.Tools = tools.New(store, cfg.AgentID, a.metrics)
	return a, nil
}

// Registry returns the Prometheus registry holding this instance's
// collectors, or nil when metrics are disabled.
func (a *AgentFS) Registry() *prometheus.Registry {
	return a.registry
}

// Store returns the shared row store.
func (a *AgentFS) Store() *storage.Store {
	return a.store
}

// Close closes the database.
func (a *AgentFS) Close() error {
	return a.store.Close()
}

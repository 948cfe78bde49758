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

// Package kv is a namespaced key-value store kept in the kv_store table
// next to the filesystem.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/metrics"
	"agentfs/internal/storage"
)

// Store keeps keys under "kv:{namespace}:" so several agents can share one
// database.
type Store struct {
	store     *storage.Store
	namespace string
	metrics   *metrics.Metrics
}

// New returns a Store scoped to namespace. m may be nil.
func New(store *storage.Store, namespace string, m *metrics.Metrics) *Store {
	return &Store{store: store, namespace: namespace, metrics: m}
}

func (s *Store) prefix() string {
	return "kv:" + s.namespace + ":"
}

func (s *Store) fullKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", common.ErrInvalidArgument)
	}
	return s.prefix() + key, nil
}

func (s *Store) done(op, key string, err error) error {
	s.metrics.RecordKV(op, err)
	if err == nil {
		return nil
	}
	if !common.IsKnown(err) {
		err = &common.StorageError{Op: "kv " + op, Err: err}
	}
	return common.NewPathError("kv "+op, key, err)
}

// Set stores value under key, replacing any previous value. Writes run in a
// backend transaction so a locked SQLite database is retried.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	log.Debugf("[KV] Set: key=%q size=%d", key, len(value))
	full, err := s.fullKey(key)
	if err != nil {
		return s.done("set", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return s.store.KVSetWith(tx, ctx, full, value)
	})
	return s.done("set", key, err)
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := s.fullKey(key)
	if err != nil {
		return nil, s.done("get", key, err)
	}
	m, err := s.store.KVGetWith(s.store.DB(), ctx, full)
	if err != nil {
		return nil, s.done("get", key, err)
	}
	return m.Value, s.done("get", key, nil)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	log.Debugf("[KV] Delete: key=%q", key)
	full, err := s.fullKey(key)
	if err != nil {
		return s.done("delete", key, err)
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := s.store.KVDeleteWith(tx, ctx, full)
		return err
	})
	return s.done("delete", key, err)
}

// Exists reports whether key has a value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNotFound):
		return false, nil
	}
	return false, err
}

// Scan returns the keys starting with prefix in byte order, without the
// namespace.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.KVKeysWith(s.store.DB(), ctx, s.prefix()+prefix)
	if err != nil {
		return nil, s.done("scan", prefix, err)
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix())
	}
	return keys, s.done("scan", prefix, nil)
}

// SetJSON stores the JSON encoding of v under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv set %s: %w: %v", key, common.ErrInvalidArgument, err)
	}
	return s.Set(ctx, key, data)
}

// GetJSON decodes the value under key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("kv get %s: value is not valid JSON: %w", key, err)
	}
	return nil
}

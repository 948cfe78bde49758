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

// Package tools records the tool invocations an agent makes, with their
// parameters, results and timing, in the tool_calls table.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"agentfs/internal/common"
	"agentfs/internal/metrics"
	"agentfs/internal/storage"
)

// Call is one tool invocation.
type Call struct {
	ID        string
	ToolName  string
	Params    json.RawMessage
	Result    json.RawMessage // nil until finished or when the call failed
	Error     string
	StartedAt time.Time
	EndedAt   time.Time // zero while pending
}

// Pending reports whether the call has not finished yet.
func (c *Call) Pending() bool {
	return c.EndedAt.IsZero()
}

// Duration returns how long the call took, or 0 while pending.
func (c *Call) Duration() time.Duration {
	if c.Pending() {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// Filter narrows Query. Zero fields do not filter.
type Filter struct {
	ToolName string
	Since    time.Time
	Limit    int
}

// Recorder writes and queries the tool calls of one agent.
type Recorder struct {
	store   *storage.Store
	agentID string
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a Recorder for agentID. m may be nil.
func New(store *storage.Store, agentID string, m *metrics.Metrics) *Recorder {
	return &Recorder{store: store, agentID: agentID, metrics: m, now: time.Now}
}

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if !common.IsKnown(err) {
		err = &common.StorageError{Op: op, Err: err}
	}
	return common.NewPathError(op, id, err)
}

func marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	return data, nil
}

// Record stores a complete call and returns its ID. A missing ID is
// generated, a zero StartedAt becomes now.
func (r *Recorder) Record(ctx context.Context, call Call) (string, error) {
	if call.ToolName == "" {
		return "", wrap("tools record", call.ID, fmt.Errorf("%w: empty tool name", common.ErrInvalidArgument))
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = r.now()
	}
	m := r.toModel(&call)
	log.Debugf("[TOOLS] Record: id=%s tool=%s", call.ID, call.ToolName)
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return r.store.InsertToolCallWith(tx, ctx, m)
	})
	if err != nil {
		return "", wrap("tools record", call.ID, err)
	}
	if !call.Pending() {
		r.metrics.RecordToolCall(call.ToolName, call.Error != "")
	}
	return call.ID, nil
}

// Pending is a started call awaiting its outcome.
type Pending struct {
	rec  *Recorder
	call Call
}

// ID returns the call ID.
func (p *Pending) ID() string {
	return p.call.ID
}

// Start records the beginning of a call to name with params.
func (r *Recorder) Start(ctx context.Context, name string, params any) (*Pending, error) {
	raw, err := marshal(params)
	if err != nil {
		return nil, wrap("tools start", name, err)
	}
	call := Call{ID: uuid.New().String(), ToolName: name, Params: raw, StartedAt: r.now()}
	if _, err := r.Record(ctx, call); err != nil {
		return nil, err
	}
	return &Pending{rec: r, call: call}, nil
}

// Finish stores the outcome of the call. A non-nil callErr is recorded as
// the error text and result is ignored.
func (p *Pending) Finish(ctx context.Context, result any, callErr error) error {
	r := p.rec
	p.call.EndedAt = r.now()
	if callErr != nil {
		p.call.Error = callErr.Error()
	} else {
		raw, err := marshal(result)
		if err != nil {
			return wrap("tools finish", p.call.ID, err)
		}
		p.call.Result = raw
	}
	m := r.toModel(&p.call)
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return r.store.FinishToolCallWith(tx, ctx, m)
	})
	if err != nil {
		return wrap("tools finish", p.call.ID, err)
	}
	log.Debugf("[TOOLS] Finish: id=%s tool=%s took=%v failed=%v", p.call.ID, p.call.ToolName, p.call.Duration(), callErr != nil)
	r.metrics.RecordToolCall(p.call.ToolName, callErr != nil)
	return nil
}

// Get returns the call with id, or ErrNotFound.
func (r *Recorder) Get(ctx context.Context, id string) (*Call, error) {
	m, err := r.store.GetToolCallWith(r.store.DB(), ctx, r.agentID, id)
	if err != nil {
		return nil, wrap("tools get", id, err)
	}
	return fromModel(m), nil
}

// Query returns calls matching f, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Call, error) {
	rows, err := r.store.QueryToolCallsWith(r.store.DB(), ctx, r.agentID, storage.ToolCallFilter{
		ToolName: f.ToolName,
		Since:    f.Since,
		Limit:    f.Limit,
	})
	if err != nil {
		return nil, wrap("tools query", f.ToolName, err)
	}
	calls := make([]Call, 0, len(rows))
	for i := range rows {
		calls = append(calls, *fromModel(&rows[i]))
	}
	return calls, nil
}

// List returns the newest limit calls; limit <= 0 returns all.
func (r *Recorder) List(ctx context.Context, limit int) ([]Call, error) {
	return r.Query(ctx, Filter{Limit: limit})
}

func (r *Recorder) toModel(c *Call) *storage.ToolCallModel {
	params := string(c.Params)
	if params == "" {
		params = "null"
	}
	m := &storage.ToolCallModel{
		ID:        c.ID,
		AgentID:   r.agentID,
		ToolName:  c.ToolName,
		Params:    params,
		StartedAt: c.StartedAt.UnixNano(),
	}
	if c.Result != nil {
		m.Result = sql.NullString{String: string(c.Result), Valid: true}
	}
	if c.Error != "" {
		m.Error = sql.NullString{String: c.Error, Valid: true}
	}
	if !c.EndedAt.IsZero() {
		m.EndedAt = sql.NullInt64{Int64: c.EndedAt.UnixNano(), Valid: true}
	}
	return m
}

func fromModel(m *storage.ToolCallModel) *Call {
	c := &Call{
		ID:        m.ID,
		ToolName:  m.ToolName,
		Params:    json.RawMessage(m.Params),
		Error:     m.Error.String,
		StartedAt: time.Unix(0, m.StartedAt),
	}
	if m.Result.Valid {
		c.Result = json.RawMessage(m.Result.String)
	}
	if m.EndedAt.Valid {
		c.EndedAt = time.Unix(0, m.EndedAt.Int64)
	}
	return c
}

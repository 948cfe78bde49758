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

// Package metrics exposes Prometheus collectors for filesystem, KV and
// tool-call activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentfs/internal/common"
)

// Metrics tracks agentfs Prometheus metrics. All names use the agentfs_
// prefix. Methods are safe on a nil receiver so callers can run without
// metrics.
type Metrics struct {
	// OpsTotal counts filesystem operations by operation and outcome
	OpsTotal *prometheus.CounterVec

	// OpDuration tracks filesystem operation latency
	OpDuration *prometheus.HistogramVec

	// BytesTotal counts file content bytes by direction (read, write)
	BytesTotal *prometheus.CounterVec

	// KVOpsTotal counts KV operations by operation and outcome
	KVOpsTotal *prometheus.CounterVec

	// ToolCallsTotal counts recorded tool calls by tool and outcome
	ToolCallsTotal *prometheus.CounterVec
}

// New creates agentfs metrics and registers them with reg.
// Panics if registration fails (expected during initialization only).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_fs_operations_total",
				Help: "Total filesystem operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentfs_fs_operation_duration_seconds",
				Help:    "Filesystem operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_fs_bytes_total",
				Help: "File content bytes read and written",
			},
			[]string{"direction"},
		),
		KVOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_kv_operations_total",
				Help: "Total KV operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_tool_calls_total",
				Help: "Recorded tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
	}

	reg.MustRegister(
		m.OpsTotal,
		m.OpDuration,
		m.BytesTotal,
		m.KVOpsTotal,
		m.ToolCallsTotal,
	)

	return m
}

// Outcome maps err to a low-cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, common.ErrNotFound):
		return "not_found"
	case errors.Is(err, common.ErrExists):
		return "exists"
	case errors.Is(err, common.ErrNotDir):
		return "not_dir"
	case errors.Is(err, common.ErrIsDir):
		return "is_dir"
	case errors.Is(err, common.ErrNotEmpty):
		return "not_empty"
	case errors.Is(err, common.ErrTooManyLinks):
		return "too_many_links"
	case errors.Is(err, common.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidArgument):
		return "invalid"
	default:
		return "storage_error"
	}
}

// ObserveOp records one filesystem operation.
func (m *Metrics) ObserveOp(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, Outcome(err)).Inc()
	m.OpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveBytes adds n content bytes moved in direction.
func (m *Metrics) ObserveBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordKV records one KV operation.
func (m *Metrics) RecordKV(op string, err error) {
	if m == nil {
		return
	}
	m.KVOpsTotal.WithLabelValues(op, Outcome(err)).Inc()
}

// RecordToolCall records a finished tool call. failed is true when the call
// reported an error.
func (m *Metrics) RecordToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

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

package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"agentfs/internal/common"
)

func TestMetrics_NilSafe(t *testing.T) {
	// All methods on a nil *Metrics must not panic.
	var m *Metrics

	m.ObserveOp("read", time.Millisecond, nil)
	m.ObserveBytes("read", 10)
	m.RecordKV("get", common.ErrNotFound)
	m.RecordToolCall("search", false)
}

func TestMetrics_ObserveOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOp("mkdir", time.Millisecond, nil)
	m.ObserveOp("mkdir", time.Millisecond, &common.PathError{Op: "mkdir", Path: "/a", Err: common.ErrExists})
	m.ObserveOp("mkdir", time.Millisecond, &common.PathError{Op: "mkdir", Path: "/b", Err: common.ErrExists})
	m.ObserveOp("read", time.Millisecond, fmt.Errorf("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("mkdir", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OpsTotal.WithLabelValues("mkdir", "exists")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("read", "storage_error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.OpDuration))
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveBytes("write", 100)
	m.ObserveBytes("write", 20)
	m.RecordKV("set", nil)
	m.RecordToolCall("search", true)
	m.RecordToolCall("search", false)
	m.RecordToolCall("search", false)

	assert.Equal(t, float64(120), testutil.ToFloat64(m.BytesTotal.WithLabelValues("write")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KVOpsTotal.WithLabelValues("set", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "error")))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{common.ErrNotFound, "not_found"},
		{common.ErrNotDir, "not_dir"},
		{common.ErrIsDir, "is_dir"},
		{common.ErrNotEmpty, "not_empty"},
		{common.ErrTooManyLinks, "too_many_links"},
		{common.Corruptf(3, "gap"), "corrupt"},
		{common.ErrInvalidPath, "invalid"},
		{common.ErrInvalidArgument, "invalid"},
		{&common.StorageError{Op: "x", Err: fmt.Errorf("disk")}, "storage_error"},
	}

	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

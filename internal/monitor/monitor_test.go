package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

func seedExecution(t *testing.T, st store.Store, id, tenantID, workflowID string, status schema.ExecutionStatus, duration time.Duration) {
	t.Helper()
	started := time.Now().UTC().Add(-time.Hour)
	completed := started.Add(duration)
	ex := &store.Execution{
		ID:         id,
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Status:     status,
		CreatedAt:  started,
	}
	if status != schema.ExecutionStatusPending {
		ex.StartedAt = &started
	}
	if status.IsTerminal() {
		ex.CompletedAt = &completed
	}
	require.NoError(t, st.CreateExecution(context.Background(), ex))
}

func TestTimeline(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st)
	ctx := context.Background()

	seedExecution(t, st, "ex-1", "t1", "wf-1", schema.ExecutionStatusCompleted, time.Second)
	for _, step := range []string{"check", "send"} {
		require.NoError(t, st.AppendLogEntry(ctx, &store.LogEntry{
			ExecutionID: "ex-1",
			StepID:      step,
			Timestamp:   time.Now().UTC(),
		}))
	}

	tl, err := m.Timeline(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "ex-1", tl.Execution.ID)
	require.Len(t, tl.Entries, 2)
	assert.Equal(t, "check", tl.Entries[0].StepID)
	assert.Equal(t, "send", tl.Entries[1].StepID)

	_, err = m.Timeline(ctx, "missing")
	require.Error(t, err)
}

func TestDashboardStats(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st)
	ctx := context.Background()

	seedExecution(t, st, "ex-1", "t1", "wf-1", schema.ExecutionStatusCompleted, 2*time.Second)
	seedExecution(t, st, "ex-2", "t1", "wf-1", schema.ExecutionStatusCompleted, 4*time.Second)
	seedExecution(t, st, "ex-3", "t1", "wf-2", schema.ExecutionStatusFailed, time.Second)
	seedExecution(t, st, "ex-4", "t1", "wf-2", schema.ExecutionStatusRunning, 0)
	seedExecution(t, st, "ex-other", "t2", "wf-9", schema.ExecutionStatusCompleted, time.Second)

	stats, err := m.DashboardStats(ctx, "t1", 0)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 30, stats.WindowDays)
	assert.Equal(t, 2, stats.ByStatus["completed"])
	assert.Equal(t, 1, stats.ByStatus["failed"])
	assert.Equal(t, 1, stats.ByStatus["running"])
	// 2 of 3 terminal executions succeeded.
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	// (2s + 4s + 1s) / 3 terminal runs.
	assert.Equal(t, int64(2333), stats.AvgDurationMs)
}

func TestWorkflowStats(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st)
	ctx := context.Background()

	seedExecution(t, st, "ex-1", "t1", "wf-1", schema.ExecutionStatusCompleted, time.Second)
	seedExecution(t, st, "ex-2", "t1", "wf-2", schema.ExecutionStatusFailed, time.Second)

	stats, err := m.WorkflowStats(ctx, "wf-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 7, stats.WindowDays)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestStatsEmptyWindow(t *testing.T) {
	m := New(store.NewMemoryStore())

	stats, err := m.DashboardStats(context.Background(), "t1", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, int64(0), stats.AvgDurationMs)
}

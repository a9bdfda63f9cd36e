package monitor

import (
	"context"
	"time"

	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// Monitor serves read-side queries over finished and in-flight executions:
// per-execution timelines and aggregate statistics.
type Monitor struct {
	store store.Store
}

func New(st store.Store) *Monitor {
	return &Monitor{store: st}
}

// Timeline is the full history of one execution.
type Timeline struct {
	Execution *store.Execution  `json:"execution"`
	Entries   []*store.LogEntry `json:"entries"`
}

// Timeline returns the execution and its ordered step log.
func (m *Monitor) Timeline(ctx context.Context, executionID string) (*Timeline, error) {
	ex, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.ListLogEntries(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &Timeline{Execution: ex, Entries: entries}, nil
}

// Stats is an aggregate over a window of executions.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMs int64          `json:"avg_duration_ms"`
	WindowDays    int            `json:"window_days"`
}

// DashboardStats aggregates a tenant's executions over the last N days.
func (m *Monitor) DashboardStats(ctx context.Context, tenantID string, days int) (*Stats, error) {
	return m.aggregate(ctx, store.ExecutionFilter{TenantID: tenantID}, days)
}

// WorkflowStats aggregates one workflow's executions over the last N days.
func (m *Monitor) WorkflowStats(ctx context.Context, workflowID string, days int) (*Stats, error) {
	return m.aggregate(ctx, store.ExecutionFilter{WorkflowID: workflowID}, days)
}

func (m *Monitor) aggregate(ctx context.Context, filter store.ExecutionFilter, days int) (*Stats, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	filter.Since = &since

	exs, err := m.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[string]int), WindowDays: days}
	var finished, succeeded int
	var totalDuration time.Duration
	var durated int

	for _, ex := range exs {
		stats.Total++
		stats.ByStatus[string(ex.Status)]++
		if ex.Status.IsTerminal() {
			finished++
			if ex.Status == schema.ExecutionStatusCompleted {
				succeeded++
			}
			if ex.StartedAt != nil && ex.CompletedAt != nil {
				totalDuration += ex.CompletedAt.Sub(*ex.StartedAt)
				durated++
			}
		}
	}
	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
	}
	if durated > 0 {
		stats.AvgDurationMs = (totalDuration / time.Duration(durated)).Milliseconds()
	}
	return stats, nil
}

package triggers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// MetricsProvider reads the current value of a business metric, e.g.
// "accounts_receivable.overdue_total" for a tenant.
type MetricsProvider interface {
	Sample(ctx context.Context, tenantID, metric string) (float64, error)
}

// StaticMetrics is a MetricsProvider backed by a mutable map, for tests and
// local runs.
type StaticMetrics struct {
	mu     sync.RWMutex
	values map[string]float64 // "tenant/metric" -> value
}

func NewStaticMetrics() *StaticMetrics {
	return &StaticMetrics{values: make(map[string]float64)}
}

func (m *StaticMetrics) Set(tenantID, metric string, value float64) {
	m.mu.Lock()
	m.values[tenantID+"/"+metric] = value
	m.mu.Unlock()
}

func (m *StaticMetrics) Sample(ctx context.Context, tenantID, metric string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[tenantID+"/"+metric]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "metric %q not found for tenant %q", metric, tenantID)
	}
	return v, nil
}

// Crossed reports whether a value satisfies the threshold comparison.
func Crossed(trig *schema.ThresholdTrigger, value float64) bool {
	switch trig.Operator {
	case schema.CompareGT:
		return value > trig.Bound
	case schema.CompareLT:
		return value < trig.Bound
	case schema.CompareGTE:
		return value >= trig.Bound
	case schema.CompareLTE:
		return value <= trig.Bound
	default:
		return false
	}
}

// ThresholdDetector polls metrics for threshold-triggered workflows and fires
// only on the transition from not-crossed to crossed. Staying across the
// bound does not re-fire; the trigger re-arms once the metric falls back.
type ThresholdDetector struct {
	mu      sync.Mutex
	store   store.Store
	metrics MetricsProvider
	starter Starter
	logger  *slog.Logger
}

func NewThresholdDetector(st store.Store, metrics MetricsProvider, starter Starter, logger *slog.Logger) *ThresholdDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdDetector{store: st, metrics: metrics, starter: starter, logger: logger}
}

// Check samples the workflow's metric and starts an execution if the bound
// was just crossed. The mutex serializes the read-compare-write against the
// stored sample so concurrent checks cannot double-fire.
func (d *ThresholdDetector) Check(ctx context.Context, def *schema.WorkflowDefinition) error {
	trig := def.Trigger.Threshold
	if trig == nil {
		return nil
	}

	value, err := d.metrics.Sample(ctx, def.TenantID, trig.Metric)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "sample metric %q failed", trig.Metric).WithCause(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, err := d.store.GetThresholdSample(ctx, def.TenantID, def.ID, trig.Metric)
	if err != nil {
		return err
	}
	wasCrossed := prev != nil && prev.Crossed
	nowCrossed := Crossed(trig, value)

	if err := d.store.UpsertThresholdSample(ctx, &store.ThresholdSample{
		TenantID:   def.TenantID,
		WorkflowID: def.ID,
		Metric:     trig.Metric,
		Value:      value,
		Crossed:    nowCrossed,
		ObservedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if !nowCrossed || wasCrossed {
		return nil
	}

	vars := map[string]any{
		"trigger": map[string]any{
			"type":     string(schema.TriggerTypeThreshold),
			"metric":   trig.Metric,
			"value":    value,
			"operator": string(trig.Operator),
			"bound":    trig.Bound,
		},
	}
	id, err := d.starter.Start(ctx, def, vars)
	if err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "threshold trigger fired",
		"workflow_id", def.ID, "execution_id", id, "metric", trig.Metric, "value", value, "bound", trig.Bound)
	return nil
}

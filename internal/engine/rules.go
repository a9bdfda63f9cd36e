package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/conditions"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/pkg/schema"
)

// RuleRunner executes business rules: the lightweight sibling of workflows.
// A rule has no step graph and no persistence of its own run; it evaluates
// its conditions against the event payload and fires its actions in one go.
type RuleRunner struct {
	store      store.Store
	registry   *actions.Registry
	conditions *conditions.Evaluator
	filter     *expressions.CELFilter
	logger     *slog.Logger
}

func NewRuleRunner(st store.Store, registry *actions.Registry, filter *expressions.CELFilter, logger *slog.Logger) *RuleRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleRunner{
		store:      st,
		registry:   registry,
		conditions: conditions.NewEvaluator(),
		filter:     filter,
		logger:     logger,
	}
}

// RunRules executes every enabled rule matching the event, highest priority
// first. One rule failing never stops the others.
func (r *RuleRunner) RunRules(ctx context.Context, event triggers.Event) {
	enabled := true
	rules, err := r.store.ListRules(ctx, store.RuleFilter{
		TenantID:  event.TenantID,
		EventType: event.EventType,
		Enabled:   &enabled,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "rule run: list rules failed", "event_type", event.EventType, "error", err)
		return
	}

	for _, rule := range rules {
		if !triggers.MatchEvent(ctx, r.conditions, r.filter, rule.Trigger.Event, event) {
			continue
		}
		if rule.Conditions != nil && !r.conditions.Matches(rule.Conditions, event.Payload) {
			continue
		}
		if err := r.runRule(ctx, rule, event); err != nil {
			r.logger.ErrorContext(ctx, "business rule failed",
				"rule_id", rule.ID, "rule_name", rule.Name, "event_type", event.EventType, "error", err)
			continue
		}
		r.logger.InfoContext(ctx, "business rule fired",
			"rule_id", rule.ID, "rule_name", rule.Name, "event_type", event.EventType)
	}
}

// runRule fires the rule's actions in declaration order, stopping at the
// first failure.
func (r *RuleRunner) runRule(ctx context.Context, rule *schema.BusinessRule, event triggers.Event) error {
	vars := event.Vars()

	for _, ra := range rule.Actions {
		action, err := r.registry.Get(ra.Action)
		if err != nil {
			return err
		}
		interpolated, err := expressions.InterpolateParams(ra.Params, vars)
		if err != nil {
			return err
		}
		var params map[string]any
		if len(interpolated) > 0 {
			if uerr := json.Unmarshal(interpolated, &params); uerr != nil {
				return schema.NewError(schema.ErrCodeInterpolation, "rule action params are not a JSON object").WithCause(uerr)
			}
		}
		if _, err := action.Execute(ctx, actions.ActionInput{
			TenantID:  rule.TenantID,
			Params:    params,
			Variables: vars,
		}); err != nil {
			return err
		}
	}
	return nil
}

package validation

import (
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/pkg/schema"
)

// validateSemantics covers what JSON Schema cannot: referential integrity of
// the step graph and trigger-specific constraints.
func validateSemantics(def *schema.WorkflowDefinition) error {
	ids := make(map[string]*schema.Step, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, dup := ids[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = step
	}

	if _, ok := ids[def.StartStep]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "start_step %q does not exist", def.StartStep)
	}

	for i := range def.Steps {
		if err := validateStep(&def.Steps[i], ids); err != nil {
			return err
		}
	}
	return validateTrigger(&def.Trigger)
}

func validateStep(step *schema.Step, ids map[string]*schema.Step) error {
	checkRef := func(ref, what string) error {
		if ref == "" {
			return nil
		}
		if _, ok := ids[ref]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q: %s references unknown step %q", step.ID, what, ref)
		}
		return nil
	}

	if err := checkRef(step.Next, "next"); err != nil {
		return err
	}

	switch step.Type {
	case schema.StepTypeCondition:
		if step.Condition == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: condition step requires condition config", step.ID)
		}
		if err := checkRef(step.Condition.OnTrue, "on_true"); err != nil {
			return err
		}
		if err := checkRef(step.Condition.OnFalse, "on_false"); err != nil {
			return err
		}
	case schema.StepTypeAction:
		if step.Action == nil || step.Action.Action == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: action step requires an action name", step.ID)
		}
	case schema.StepTypeDelay:
		if step.Delay == nil || step.Delay.Duration == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: delay step requires a duration", step.ID)
		}
	case schema.StepTypeApproval:
		if step.Approval == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: approval step requires approval config", step.ID)
		}
	case schema.StepTypeSubWorkflow:
		if step.SubWorkflow == nil || step.SubWorkflow.WorkflowID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: subworkflow step requires a workflow_id", step.ID)
		}
	case schema.StepTypeLoop:
		if step.Loop == nil || step.Loop.Over == "" || len(step.Loop.Body) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: loop step requires over and a non-empty body", step.ID)
		}
		for i := range step.Loop.Body {
			body := &step.Loop.Body[i]
			switch body.Type {
			case schema.StepTypeDelay, schema.StepTypeApproval, schema.StepTypeSubWorkflow:
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: %s steps are not allowed inside a loop body", body.ID, body.Type)
			case schema.StepTypeLoop:
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: loops cannot nest", body.ID)
			}
			// Body steps run in slice order, so graph refs inside the body
			// are validated only for the configs they carry.
			if body.Type == schema.StepTypeAction && (body.Action == nil || body.Action.Action == "") {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q: action step requires an action name", body.ID)
			}
			if body.Type == schema.StepTypeAction && body.Action.Action == "wait" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: wait actions are not allowed inside a loop body", body.ID)
			}
			if body.Type == schema.StepTypeCondition && body.Condition == nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q: condition step requires condition config", body.ID)
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q: unknown step type %q", step.ID, step.Type)
	}
	return nil
}

func validateTrigger(trig *schema.Trigger) error {
	switch trig.Type {
	case schema.TriggerTypeEvent:
		if trig.Event == nil || trig.Event.EventType == "" {
			return schema.NewError(schema.ErrCodeTriggerValidation, "event trigger requires an event_type")
		}
	case schema.TriggerTypeSchedule:
		if trig.Schedule == nil {
			return schema.NewError(schema.ErrCodeTriggerValidation, "schedule trigger requires a cron expression")
		}
		if ok, reason := triggers.ValidateCron(trig.Schedule.Cron); !ok {
			return schema.NewErrorf(schema.ErrCodeTriggerValidation, "invalid cron expression %q: %s", trig.Schedule.Cron, reason)
		}
	case schema.TriggerTypeThreshold:
		if trig.Threshold == nil || trig.Threshold.Metric == "" {
			return schema.NewError(schema.ErrCodeTriggerValidation, "threshold trigger requires a metric")
		}
		switch trig.Threshold.Operator {
		case schema.CompareGT, schema.CompareLT, schema.CompareGTE, schema.CompareLTE:
		default:
			return schema.NewErrorf(schema.ErrCodeTriggerValidation, "unknown threshold operator %q", trig.Threshold.Operator)
		}
	case schema.TriggerTypeWebhook:
		// Path and secret_ref are assigned at provisioning, not authored.
	default:
		return schema.NewErrorf(schema.ErrCodeTriggerValidation, "unknown trigger type %q", trig.Type)
	}
	return nil
}

// ValidateRule checks a business rule.
func ValidateRule(rule *schema.BusinessRule) error {
	if rule == nil {
		return schema.NewError(schema.ErrCodeValidation, "business rule is nil")
	}
	if rule.ID == "" || rule.TenantID == "" || rule.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "business rule requires id, tenant_id, and name")
	}
	if len(rule.Actions) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "business rule requires at least one action")
	}
	for _, a := range rule.Actions {
		if a.Action == "" {
			return schema.NewError(schema.ErrCodeValidation, "business rule action requires an action name")
		}
	}
	return validateTrigger(&rule.Trigger)
}

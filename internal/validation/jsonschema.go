package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tallybook/automaton/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://automaton.tallybook.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "tenant_id", "name", "trigger", "steps", "start_step"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "status": { "type": "string", "enum": ["draft", "active", "paused", "archived"] },
    "version": { "type": "integer", "minimum": 0 },
    "trigger": { "$ref": "#/$defs/trigger" },
    "steps": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } },
    "start_step": { "type": "string", "minLength": 1 },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["event", "schedule", "threshold", "webhook"] },
        "event": {
          "type": "object",
          "required": ["event_type"],
          "properties": {
            "event_type": { "type": "string", "minLength": 1 },
            "entity_type": { "type": "string" },
            "filter": { "$ref": "#/$defs/condition" },
            "filter_expr": { "type": "string" }
          }
        },
        "schedule": {
          "type": "object",
          "required": ["cron"],
          "properties": {
            "cron": { "type": "string", "minLength": 1 },
            "timezone": { "type": "string" }
          }
        },
        "threshold": {
          "type": "object",
          "required": ["metric", "operator", "bound"],
          "properties": {
            "metric": { "type": "string", "minLength": 1 },
            "operator": { "type": "string", "enum": ["gt", "lt", "gte", "lte"] },
            "bound": { "type": "number" }
          }
        },
        "webhook": {
          "type": "object",
          "properties": {
            "path": { "type": "string" },
            "secret_ref": { "type": "string" },
            "extract": { "type": "object", "additionalProperties": { "type": "string" } }
          }
        }
      }
    },
    "condition": {
      "type": "object",
      "properties": {
        "op": { "type": "string", "enum": ["and", "or", "not"] },
        "children": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "field": { "type": "string" },
        "operator": { "type": "string" },
        "value": {}
      }
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["condition", "action", "delay", "approval", "subworkflow", "loop"] },
        "name": { "type": "string" },
        "next": { "type": "string" },
        "condition": {
          "type": "object",
          "required": ["if"],
          "properties": {
            "if": { "$ref": "#/$defs/condition" },
            "on_true": { "type": "string" },
            "on_false": { "type": "string" }
          }
        },
        "action": {
          "type": "object",
          "required": ["action"],
          "properties": {
            "action": { "type": "string", "minLength": 1 },
            "params": {}
          }
        },
        "delay": {
          "type": "object",
          "required": ["duration"],
          "properties": {
            "duration": { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" }
          }
        },
        "approval": {
          "type": "object",
          "properties": {
            "approvers": { "type": "array", "items": { "type": "string" } },
            "message": { "type": "string" }
          }
        },
        "subworkflow": {
          "type": "object",
          "required": ["workflow_id"],
          "properties": {
            "workflow_id": { "type": "string", "minLength": 1 },
            "params": { "type": "object" }
          }
        },
        "loop": {
          "type": "object",
          "required": ["over", "body"],
          "properties": {
            "over": { "type": "string", "minLength": 1 },
            "body": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } },
            "max_iter": { "type": "integer", "minimum": 1 }
          }
        }
      }
    }
  }
}`

// Validator checks workflow definitions and business rules before they are
// stored or executed.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://automaton.tallybook.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://automaton.tallybook.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: compiled}, nil
}

// ValidateDefinition runs the JSON Schema pass and then the semantic checks
// the schema cannot express.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return validateSemantics(def)
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toValidationError(err error) *schema.AutomationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

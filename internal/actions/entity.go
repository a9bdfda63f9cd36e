package actions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/tallybook/automaton/pkg/schema"
)

// EntityClient talks to the accounting core to read and mutate business
// entities (invoices, payments, journal entries). The engine treats it as an
// opaque collaborator so actions work the same against any backend.
type EntityClient interface {
	Create(ctx context.Context, tenantID, entityType string, fields map[string]any) (entityID string, err error)
	Update(ctx context.Context, tenantID, entityType, entityID string, fields map[string]any) error
}

// MemoryEntityClient is an in-memory EntityClient for tests and local runs.
type MemoryEntityClient struct {
	mu       sync.Mutex
	entities map[string]map[string]any // "tenant/type/id" -> fields
}

func NewMemoryEntityClient() *MemoryEntityClient {
	return &MemoryEntityClient{entities: make(map[string]map[string]any)}
}

func entityKey(tenantID, entityType, entityID string) string {
	return tenantID + "/" + entityType + "/" + entityID
}

func (c *MemoryEntityClient) Create(ctx context.Context, tenantID, entityType string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	c.mu.Lock()
	c.entities[entityKey(tenantID, entityType, id)] = cp
	c.mu.Unlock()
	return id, nil
}

func (c *MemoryEntityClient) Update(ctx context.Context, tenantID, entityType, entityID string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.entities[entityKey(tenantID, entityType, entityID)]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", entityType, entityID)
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

// Get returns a copy of the stored entity fields, for assertions in tests.
func (c *MemoryEntityClient) Get(tenantID, entityType, entityID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields, ok := c.entities[entityKey(tenantID, entityType, entityID)]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp, true
}

const entityCreateInputSchema = `{
  "type": "object",
  "properties": {
    "entity_type": {"type": "string"},
    "fields": {"type": "object"}
  },
  "required": ["entity_type", "fields"]
}`

const entityUpdateInputSchema = `{
  "type": "object",
  "properties": {
    "entity_type": {"type": "string"},
    "entity_id": {"type": "string"},
    "fields": {"type": "object"}
  },
  "required": ["entity_type", "entity_id", "fields"]
}`

// EntityCreateAction implements "entity.create".
type EntityCreateAction struct {
	client EntityClient
}

func NewEntityCreateAction(client EntityClient) *EntityCreateAction {
	return &EntityCreateAction{client: client}
}

func (a *EntityCreateAction) Name() string { return "entity.create" }

func (a *EntityCreateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Create a business entity in the accounting core.",
		InputSchema: json.RawMessage(entityCreateInputSchema),
	}
}

func (a *EntityCreateAction) Validate(params map[string]any) error {
	if stringParam(params, "entity_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entity.create: missing required param 'entity_type'")
	}
	if mapParam(params, "fields") == nil {
		return schema.NewError(schema.ErrCodeValidation, "entity.create: missing required param 'fields'")
	}
	return nil
}

func (a *EntityCreateAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	entityType := stringParam(params, "entity_type", "")
	id, err := a.client.Create(ctx, input.TenantID, entityType, mapParam(params, "fields"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "entity.create: %s create failed", entityType).WithCause(err)
	}

	data, err := json.Marshal(map[string]any{"entity_id": id, "entity_type": entityType})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "entity.create: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

// EntityUpdateAction implements "entity.update".
type EntityUpdateAction struct {
	client EntityClient
}

func NewEntityUpdateAction(client EntityClient) *EntityUpdateAction {
	return &EntityUpdateAction{client: client}
}

func (a *EntityUpdateAction) Name() string { return "entity.update" }

func (a *EntityUpdateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Update fields of an existing business entity.",
		InputSchema: json.RawMessage(entityUpdateInputSchema),
	}
}

func (a *EntityUpdateAction) Validate(params map[string]any) error {
	if stringParam(params, "entity_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entity.update: missing required param 'entity_type'")
	}
	if stringParam(params, "entity_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entity.update: missing required param 'entity_id'")
	}
	if mapParam(params, "fields") == nil {
		return schema.NewError(schema.ErrCodeValidation, "entity.update: missing required param 'fields'")
	}
	return nil
}

func (a *EntityUpdateAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	entityType := stringParam(params, "entity_type", "")
	entityID := stringParam(params, "entity_id", "")
	if err := a.client.Update(ctx, input.TenantID, entityType, entityID, mapParam(params, "fields")); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "entity.update: %s %s update failed", entityType, entityID).WithCause(err)
	}

	data, err := json.Marshal(map[string]any{"entity_id": entityID, "entity_type": entityType, "updated": true})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "entity.update: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

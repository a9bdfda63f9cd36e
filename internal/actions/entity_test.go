package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func TestEntityCreate(t *testing.T) {
	client := NewMemoryEntityClient()
	a := NewEntityCreateAction(client)

	require.Error(t, a.Validate(map[string]any{"fields": map[string]any{}}))
	require.Error(t, a.Validate(map[string]any{"entity_type": "invoice"}))

	out, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"entity_type": "credit_note",
			"fields":      map[string]any{"amount": 120.5, "invoice_id": "INV-9"},
		},
	})
	require.NoError(t, err)

	data := decodeOutput(t, out)
	assert.Equal(t, "credit_note", data["entity_type"])
	id, _ := data["entity_id"].(string)
	require.NotEmpty(t, id)

	fields, ok := client.Get("t1", "credit_note", id)
	require.True(t, ok)
	assert.Equal(t, "INV-9", fields["invoice_id"])
	assert.Equal(t, 120.5, fields["amount"])
}

func TestEntityUpdate(t *testing.T) {
	client := NewMemoryEntityClient()
	id, err := client.Create(context.Background(), "t1", "invoice", map[string]any{"status": "open"})
	require.NoError(t, err)

	a := NewEntityUpdateAction(client)
	out, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"entity_type": "invoice",
			"entity_id":   id,
			"fields":      map[string]any{"status": "flagged", "tag": "urgent"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, decodeOutput(t, out)["updated"])

	fields, ok := client.Get("t1", "invoice", id)
	require.True(t, ok)
	assert.Equal(t, "flagged", fields["status"])
	assert.Equal(t, "urgent", fields["tag"])
}

func TestEntityUpdateMissingEntity(t *testing.T) {
	a := NewEntityUpdateAction(NewMemoryEntityClient())

	_, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"entity_type": "invoice",
			"entity_id":   "nope",
			"fields":      map[string]any{"status": "flagged"},
		},
	})
	require.Error(t, err)

	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeAction, aerr.Code)

	var cause *schema.AutomationError
	require.True(t, errors.As(aerr.Cause, &cause))
	assert.Equal(t, schema.ErrCodeNotFound, cause.Code)
}

func TestMemoryEntityClientTenantIsolation(t *testing.T) {
	client := NewMemoryEntityClient()
	id, err := client.Create(context.Background(), "t1", "invoice", map[string]any{"status": "open"})
	require.NoError(t, err)

	_, ok := client.Get("t2", "invoice", id)
	assert.False(t, ok)
}

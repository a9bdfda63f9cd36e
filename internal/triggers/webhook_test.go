package triggers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/secrets"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

func newTestVault(t *testing.T, st secrets.SecretStore) *secrets.AESVault {
	t.Helper()
	v, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: "test-passphrase",
		Salt:       []byte("test-salt"),
	})
	require.NoError(t, err)
	return v
}

func webhookDef(id, tenantID string, trig *schema.WebhookTrigger) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		TenantID:  tenantID,
		Name:      id,
		Status:    schema.WorkflowStatusActive,
		Version:   1,
		Trigger:   schema.Trigger{Type: schema.TriggerTypeWebhook, Webhook: trig},
		Steps:     []schema.Step{{ID: "done", Type: schema.StepTypeAction, Action: &schema.ActionConfig{Action: "notify.send"}}},
		StartStep: "done",
	}
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte("shhh")
	body := []byte(`{"a":1}`)

	sig := SignBody(secret, body)
	assert.True(t, VerifySignature(secret, body, sig))
	assert.True(t, VerifySignature(secret, body, "sha256="+sig))

	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature(secret, body, "not hex"))
	assert.False(t, VerifySignature(secret, []byte(`{"a":2}`), sig))
	assert.False(t, VerifySignature([]byte("wrong"), body, sig))
}

func TestProvisionAndDeliver(t *testing.T) {
	st := store.NewMemoryStore()
	vault := newTestVault(t, st)
	starter := &stubStarter{}
	r := NewWebhookReceiver(st, vault, expressions.NewExtractor(), starter, nil)
	ctx := context.Background()

	trig := &schema.WebhookTrigger{
		Extract: map[string]string{"total": "[.lines[].amount] | add"},
	}
	secret, err := r.Provision(ctx, "wf-hook", trig)
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.NotEmpty(t, trig.Path)
	assert.Equal(t, "webhook/wf-hook", trig.SecretRef)

	require.NoError(t, st.CreateDefinition(ctx, webhookDef("wf-hook", "t1", trig)))

	body := []byte(`{"source":"bank","lines":[{"amount":10},{"amount":32}]}`)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer topsecret")

	id, err := r.Deliver(ctx, Delivery{
		Path:      trig.Path,
		Body:      body,
		Headers:   headers,
		Signature: SignBody([]byte(secret), body),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, starter.vars, 1)
	vars := starter.vars[0]

	// Extracted variables are merged at the top level.
	assert.Equal(t, 42.0, vars["total"])

	wh := vars["webhook"].(map[string]any)
	payload := wh["payload"].(map[string]any)
	assert.Equal(t, "bank", payload["source"])

	// Credential headers never reach workflow variables.
	hdrs := wh["headers"].(map[string]string)
	assert.Equal(t, "application/json", hdrs["Content-Type"])
	_, leaked := hdrs["Authorization"]
	assert.False(t, leaked)
}

func TestDeliverRejectsBadSignature(t *testing.T) {
	st := store.NewMemoryStore()
	vault := newTestVault(t, st)
	starter := &stubStarter{}
	r := NewWebhookReceiver(st, vault, expressions.NewExtractor(), starter, nil)
	ctx := context.Background()

	trig := &schema.WebhookTrigger{}
	secret, err := r.Provision(ctx, "wf", trig)
	require.NoError(t, err)
	require.NoError(t, st.CreateDefinition(ctx, webhookDef("wf", "t1", trig)))

	body := []byte(`{}`)
	_, err = r.Deliver(ctx, Delivery{
		Path:      trig.Path,
		Body:      body,
		Signature: SignBody([]byte("forged"), body),
	})
	require.Error(t, err)
	assert.Empty(t, starter.startedIDs())
	_ = secret
}

func TestDeliverUnknownPathIndistinguishable(t *testing.T) {
	st := store.NewMemoryStore()
	vault := newTestVault(t, st)
	r := NewWebhookReceiver(st, vault, expressions.NewExtractor(), &stubStarter{}, nil)

	_, err := r.Deliver(context.Background(), Delivery{Path: "no-such-path", Body: []byte(`{}`)})
	require.Error(t, err)

	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	// Unknown path and signature failures use the same opaque message.
	assert.Equal(t, "webhook rejected", aerr.Message)
}

func TestDeliverRejectsNonJSONPayload(t *testing.T) {
	st := store.NewMemoryStore()
	vault := newTestVault(t, st)
	r := NewWebhookReceiver(st, vault, expressions.NewExtractor(), &stubStarter{}, nil)
	ctx := context.Background()

	trig := &schema.WebhookTrigger{}
	secret, err := r.Provision(ctx, "wf", trig)
	require.NoError(t, err)
	require.NoError(t, st.CreateDefinition(ctx, webhookDef("wf", "t1", trig)))

	body := []byte("not json")
	_, err = r.Deliver(ctx, Delivery{
		Path:      trig.Path,
		Body:      body,
		Signature: SignBody([]byte(secret), body),
	})
	require.Error(t, err)
}

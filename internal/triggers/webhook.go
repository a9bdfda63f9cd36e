package triggers

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/secrets"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// Headers that never reach workflow variables.
var strippedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

// WebhookReceiver accepts inbound webhook deliveries, verifies their
// signatures against vault-held secrets, and starts the matching workflow.
type WebhookReceiver struct {
	store     store.Store
	vault     secrets.Vault
	extractor *expressions.Extractor
	starter   Starter
	logger    *slog.Logger
}

func NewWebhookReceiver(st store.Store, vault secrets.Vault, extractor *expressions.Extractor, starter Starter, logger *slog.Logger) *WebhookReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{store: st, vault: vault, extractor: extractor, starter: starter, logger: logger}
}

// Provision assigns a fresh unguessable path and signing secret to a webhook
// trigger. The secret goes into the vault under the trigger's SecretRef and
// is returned exactly once so the caller can hand it to the external system.
func (r *WebhookReceiver) Provision(ctx context.Context, workflowID string, trig *schema.WebhookTrigger) (secret string, err error) {
	trig.Path = uuid.NewString()
	trig.SecretRef = "webhook/" + workflowID

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", schema.NewError(schema.ErrCodeVault, "generate webhook secret failed").WithCause(err)
	}
	secret = hex.EncodeToString(raw)

	if err := r.vault.Store(ctx, trig.SecretRef, []byte(secret)); err != nil {
		return "", err
	}
	return secret, nil
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Path      string
	Body      []byte
	Headers   http.Header
	Signature string // X-Signature header, hex HMAC-SHA256 of the body
}

// Deliver verifies and dispatches an inbound delivery. Signature mismatches
// and unknown paths are rejected without revealing which of the two failed.
func (r *WebhookReceiver) Deliver(ctx context.Context, delivery Delivery) (executionID string, err error) {
	def, err := r.findWorkflow(ctx, delivery.Path)
	if err != nil {
		return "", err
	}
	trig := def.Trigger.Webhook

	secret, err := r.vault.Resolve(ctx, trig.SecretRef)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeNotFound, "webhook rejected").WithCause(err)
	}
	if !VerifySignature(secret, delivery.Body, delivery.Signature) {
		r.logger.WarnContext(ctx, "webhook signature mismatch", "workflow_id", def.ID, "path", delivery.Path)
		return "", schema.NewError(schema.ErrCodeValidation, "webhook rejected")
	}

	var payload map[string]any
	if len(delivery.Body) > 0 {
		if err := json.Unmarshal(delivery.Body, &payload); err != nil {
			return "", schema.NewError(schema.ErrCodeValidation, "webhook payload is not a JSON object").WithCause(err)
		}
	}

	vars := map[string]any{
		"trigger": map[string]any{
			"type": string(schema.TriggerTypeWebhook),
			"path": trig.Path,
		},
		"webhook": map[string]any{
			"headers": sanitizeHeaders(delivery.Headers),
			"payload": payload,
		},
	}

	if len(trig.Extract) > 0 && r.extractor != nil {
		extracted, err := r.extractor.Extract(ctx, trig.Extract, payload)
		if err != nil {
			return "", err
		}
		for k, v := range extracted {
			vars[k] = v
		}
	}

	id, err := r.starter.Start(ctx, def, vars)
	if err != nil {
		return "", err
	}
	r.logger.InfoContext(ctx, "webhook trigger fired", "workflow_id", def.ID, "execution_id", id, "path", delivery.Path)
	return id, nil
}

func (r *WebhookReceiver) findWorkflow(ctx context.Context, path string) (*schema.WorkflowDefinition, error) {
	active := schema.WorkflowStatusActive
	defs, err := r.store.ListDefinitions(ctx, store.DefinitionFilter{
		Status:      &active,
		TriggerType: schema.TriggerTypeWebhook,
	})
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Trigger.Webhook != nil && def.Trigger.Webhook.Path == path {
			return def, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "webhook rejected")
}

// VerifySignature checks a hex HMAC-SHA256 signature over the body in
// constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignBody produces the hex HMAC-SHA256 signature an external system must
// send. Exported for tests and documentation examples.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if strippedHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

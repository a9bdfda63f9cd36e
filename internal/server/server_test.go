package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/engine"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/monitor"
	"github.com/tallybook/automaton/internal/secrets"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/internal/validation"
	"github.com/tallybook/automaton/pkg/schema"
)

type harness struct {
	srv      *Server
	router   http.Handler
	st       *store.MemoryStore
	eng      *engine.Engine
	notifier *actions.LogNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()

	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	validator, err := validation.NewValidator()
	require.NoError(t, err)
	celFilter, err := expressions.NewCELFilter()
	require.NoError(t, err)

	registry := actions.NewRegistry()
	notifier := actions.NewLogNotifier(nil)
	require.NoError(t, registry.Register(actions.NewNotifySendAction(notifier)))

	hub := monitor.NewMemoryHub(monitor.HubConfig{HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(hub.Close)

	eng := engine.New(st, registry, hub, nil, engine.Config{Workers: 2})
	rules := engine.NewRuleRunner(st, registry, celFilter, nil)
	dispatcher := triggers.NewEventDispatcher(st, celFilter, eng, rules, nil)
	receiver := triggers.NewWebhookReceiver(st, vault, expressions.NewExtractor(), eng, nil)

	srv := New(st, validator, eng, dispatcher, receiver, monitor.New(st), hub, registry, nil, Config{})
	return &harness{srv: srv, router: srv.Router(), st: st, eng: eng, notifier: notifier}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error body, got: %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func notifyWorkflow(eventType string) map[string]any {
	return map[string]any{
		"tenant_id": "t1",
		"name":      "chase overdue invoices",
		"trigger": map[string]any{
			"type":  "event",
			"event": map[string]any{"event_type": eventType},
		},
		"start_step": "send",
		"steps": []map[string]any{
			{
				"id":   "send",
				"type": "action",
				"action": map[string]any{
					"action": "notify.send",
					"params": map[string]any{
						"recipients": []string{"ap@acme.com"},
						"body":       "invoice {{event.invoice_id}} needs attention",
					},
				},
			},
		},
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateWorkflow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["id"], "server assigns an id")
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, 1.0, body["version"])
}

func TestCreateWorkflowInvalid(t *testing.T) {
	h := newHarness(t)

	def := notifyWorkflow("invoice.overdue")
	def["steps"] = []map[string]any{}
	rec := h.do(t, http.MethodPost, "/api/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))
}

func TestGetWorkflowNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/workflows/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, rec))
}

func TestWorkflowVersioningViaUpdate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)

	updated := notifyWorkflow("invoice.overdue")
	updated["name"] = "renamed"
	rec = h.do(t, http.MethodPut, "/api/v1/workflows/"+id, updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, decodeJSON(t, rec)["version"])

	// Latest wins; pinned versions stay reachable.
	rec = h.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decodeJSON(t, rec)["name"])

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/"+id+"?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chase overdue invoices", decodeJSON(t, rec)["name"])
}

func TestSetWorkflowStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)

	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/status", map[string]any{"status": "active"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	assert.Equal(t, "active", decodeJSON(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/status", map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmitEventStartsExecution(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)
	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/status", map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"tenant_id":  "t1",
		"event_type": "invoice.overdue",
		"payload":    map[string]any{"invoice_id": "INV-9"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	h.eng.Wait()

	rec = h.do(t, http.MethodGet, "/api/v1/executions?workflow_id="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exs, ok := decodeJSON(t, rec)["executions"].([]any)
	require.True(t, ok)
	require.Len(t, exs, 1)
	assert.Equal(t, "completed", exs[0].(map[string]any)["status"])

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "invoice INV-9 needs attention", sent[0].Body)
}

func TestEmitEventRequiresTenantAndType(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/events", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRoundTrip(t *testing.T) {
	h := newHarness(t)

	def := notifyWorkflow("")
	def["trigger"] = map[string]any{"type": "webhook", "webhook": map[string]any{}}
	rec := h.do(t, http.MethodPost, "/api/v1/workflows", def)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeJSON(t, rec)["id"].(string)
	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/status", map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/webhook", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	provisioned := decodeJSON(t, rec)
	path := provisioned["path"].(string)
	secret := provisioned["secret"].(string)
	require.NotEmpty(t, path)
	require.NotEmpty(t, secret)

	body := []byte(`{"invoice_id":"INV-7"}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/"+path, bytes.NewReader(body))
	req.Header.Set("X-Signature", triggers.SignBody([]byte(secret), body))
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.NotEmpty(t, decodeJSON(t, resp)["execution_id"])
	h.eng.Wait()

	// A forged signature gets the same opaque 404 as an unknown path.
	req = httptest.NewRequest(http.MethodPost, "/hooks/"+path, bytes.NewReader(body))
	req.Header.Set("X-Signature", triggers.SignBody([]byte("forged"), body))
	resp = httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = httptest.NewRecorder()
	h.router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/hooks/no-such-path", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestProvisionWebhookRequiresWebhookTrigger(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)

	rec = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/webhook", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeTriggerValidation, errorCode(t, rec))
}

func TestExecutionEndpointsMissingID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/executions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/executions/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/executions/ghost/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/executions/ghost/timeline", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveRequiresWaitingExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/v1/workflows", notifyWorkflow("invoice.overdue"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)

	require.NoError(t, h.st.CreateExecution(ctx, &store.Execution{
		ID:              "ex-1",
		TenantID:        "t1",
		WorkflowID:      id,
		WorkflowVersion: 1,
		Status:          schema.ExecutionStatusCompleted,
	}))

	rec = h.do(t, http.MethodPost, "/api/v1/executions/ex-1/approve", map[string]any{"approver": "cfo"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errorCode(t, rec))
}

func TestRuleCRUD(t *testing.T) {
	h := newHarness(t)

	rule := map[string]any{
		"tenant_id": "t1",
		"name":      "notify on large invoices",
		"trigger": map[string]any{
			"type":  "event",
			"event": map[string]any{"event_type": "invoice.created"},
		},
		"actions": []map[string]any{
			{"action": "notify.send", "params": map[string]any{"recipients": []string{"a@b.c"}, "body": "hi"}},
		},
		"enabled": true,
	}
	rec := h.do(t, http.MethodPost, "/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeJSON(t, rec)["id"].(string)

	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleUnknownAction(t *testing.T) {
	h := newHarness(t)

	rule := map[string]any{
		"tenant_id": "t1",
		"name":      "bad rule",
		"trigger": map[string]any{
			"type":  "event",
			"event": map[string]any{"event_type": "invoice.created"},
		},
		"actions": []map[string]any{{"action": "teleport.invoice"}},
	}
	rec := h.do(t, http.MethodPost, "/api/v1/rules", rule)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "teleport.invoice")
}

func TestListActions(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list, ok := decodeJSON(t, rec)["actions"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "notify.send", list[0].(map[string]any)["name"])
}

func TestDashboardStatsEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	done := now.Add(time.Second)
	require.NoError(t, h.st.CreateExecution(ctx, &store.Execution{
		ID: "ex-1", TenantID: "t1", WorkflowID: "wf",
		Status: schema.ExecutionStatusCompleted, CreatedAt: now, StartedAt: &now, CompletedAt: &done,
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/stats/dashboard?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeJSON(t, rec)
	assert.Equal(t, 1.0, stats["total"])
	assert.Equal(t, 1.0, stats["success_rate"])
}

package server

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/validation"
	"github.com/tallybook/automaton/pkg/schema"
)

// --- Workflow definitions ---

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Status == "" {
		def.Status = schema.WorkflowStatusDraft
	}
	def.Version = 1
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.validator.ValidateDefinition(&def); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.CreateDefinition(r.Context(), &def); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, def)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DefinitionFilter{
		TenantID:    q.Get("tenant_id"),
		TriggerType: schema.TriggerType(q.Get("trigger_type")),
	}
	if v := q.Get("status"); v != "" {
		status := schema.WorkflowStatus(v)
		filter.Status = &status
	}
	filter.Limit = intQuery(q.Get("limit"), 0)
	filter.Offset = intQuery(q.Get("offset"), 0)

	defs, err := s.store.ListDefinitions(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var def *schema.WorkflowDefinition
	var err error
	if v := r.URL.Query().Get("version"); v != "" {
		def, err = s.store.GetDefinitionVersion(r.Context(), id, intQuery(v, 0))
	} else {
		def, err = s.store.GetDefinition(r.Context(), id)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, def)
}

// handleUpdateWorkflow creates a new version; in-flight executions keep the
// version they started with.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	current, err := s.store.GetDefinition(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	def.ID = current.ID
	def.TenantID = current.TenantID
	def.Version = current.Version + 1
	if def.Status == "" {
		def.Status = current.Status
	}
	def.CreatedAt = current.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	if err := s.validator.ValidateDefinition(&def); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.CreateDefinitionVersion(r.Context(), &def); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, def)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDefinition(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleSetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status schema.WorkflowStatus `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	switch body.Status {
	case schema.WorkflowStatusDraft, schema.WorkflowStatusActive, schema.WorkflowStatusPaused, schema.WorkflowStatusArchived:
	default:
		s.respondError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", body.Status))
		return
	}
	if err := s.store.SetDefinitionStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": body.Status})
}

// handleProvisionWebhook assigns a fresh path and signing secret to a
// webhook-triggered workflow. The secret is returned exactly once.
func (s *Server) handleProvisionWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, err := s.store.GetDefinition(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if def.Trigger.Type != schema.TriggerTypeWebhook || def.Trigger.Webhook == nil {
		s.respondError(w, schema.NewErrorf(schema.ErrCodeTriggerValidation, "workflow %s has no webhook trigger", id))
		return
	}

	secret, err := s.receiver.Provision(r.Context(), def.ID, def.Trigger.Webhook)
	if err != nil {
		s.respondError(w, err)
		return
	}

	def.Version++
	def.UpdatedAt = time.Now().UTC()
	if err := s.store.CreateDefinitionVersion(r.Context(), def); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"path":   def.Trigger.Webhook.Path,
		"url":    "/hooks/" + def.Trigger.Webhook.Path,
		"secret": secret,
	})
}

// --- Business rules ---

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule schema.BusinessRule
	if err := decodeBody(r, &rule); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.validateRule(&rule); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RuleFilter{
		TenantID:  q.Get("tenant_id"),
		EventType: q.Get("event_type"),
		Limit:     intQuery(q.Get("limit"), 0),
	}
	if v := q.Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	rules, err := s.store.ListRules(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule schema.BusinessRule
	if err := decodeBody(r, &rule); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	rule.ID = mux.Vars(r)["id"]
	if err := s.validateRule(&rule); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.UpdateRule(r.Context(), &rule); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		TenantID:   q.Get("tenant_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      intQuery(q.Get("limit"), 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	exs, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"executions": exs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ex)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": schema.ExecutionStatusCancelled})
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"execution_id": id})
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approvalRequest
	if err := decodeBody(r, &body); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if err := s.engine.Approve(r.Context(), mux.Vars(r)["id"], body.Approver, body.Comment); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"approved": true})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body approvalRequest
	if err := decodeBody(r, &body); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if err := s.engine.Reject(r.Context(), mux.Vars(r)["id"], body.Approver, body.Comment); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"approved": false})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := s.monitor.Timeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, timeline)
}

// --- Stats and actions ---

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := s.monitor.DashboardStats(r.Context(), q.Get("tenant_id"), intQuery(q.Get("days"), 30))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.monitor.WorkflowStats(r.Context(), mux.Vars(r)["id"], intQuery(r.URL.Query().Get("days"), 30))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"actions": s.registry.List()})
}

func (s *Server) validateRule(rule *schema.BusinessRule) error {
	for _, a := range rule.Actions {
		if a.Action != "" && !s.registry.Has(a.Action) {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", a.Action)
		}
		if len(a.Params) > 0 && !json.Valid(a.Params) {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q has invalid params JSON", a.Action)
		}
	}
	return validation.ValidateRule(rule)
}

func intQuery(v string, defaultVal int) int {
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

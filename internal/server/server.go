package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/engine"
	"github.com/tallybook/automaton/internal/monitor"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/internal/validation"
)

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server exposes the REST and streaming API.
type Server struct {
	store      store.Store
	validator  *validation.Validator
	engine     *engine.Engine
	dispatcher *triggers.EventDispatcher
	receiver   *triggers.WebhookReceiver
	monitor    *monitor.Monitor
	hub        monitor.Hub
	registry   *actions.Registry
	logger     *slog.Logger
	http       *http.Server
	config     Config
}

func New(
	st store.Store,
	validator *validation.Validator,
	eng *engine.Engine,
	dispatcher *triggers.EventDispatcher,
	receiver *triggers.WebhookReceiver,
	mon *monitor.Monitor,
	hub monitor.Hub,
	registry *actions.Registry,
	logger *slog.Logger,
	cfg Config,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		store:      st,
		validator:  validator,
		engine:     eng,
		dispatcher: dispatcher,
		receiver:   receiver,
		monitor:    mon,
		hub:        hub,
		registry:   registry,
		logger:     logger,
		config:     cfg,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for tests via httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	api.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/status", s.handleSetWorkflowStatus).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/webhook", s.handleProvisionWebhook).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/stats", s.handleWorkflowStats).Methods(http.MethodGet)

	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/retry", s.handleRetryExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/stream", s.handleStream).Methods(http.MethodGet)

	api.HandleFunc("/events", s.handleEmitEvent).Methods(http.MethodPost)
	api.HandleFunc("/actions", s.handleListActions).Methods(http.MethodGet)
	api.HandleFunc("/stats/dashboard", s.handleDashboardStats).Methods(http.MethodGet)

	r.HandleFunc("/hooks/{path}", s.handleWebhookDelivery).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.config.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respond(w, statusForError(err), map[string]any{"error": errorBody(err)})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(into)
}

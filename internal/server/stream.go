package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/pkg/schema"
)

const maxWebhookBody = 1 * 1024 * 1024 // 1MB

// handleEmitEvent accepts a business event from the accounting core and fans
// it out to matching workflows and rules. Always 202: trigger dispatch never
// reports downstream failures to the emitter.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var event triggers.Event
	if err := decodeBody(r, &event); err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if event.TenantID == "" || event.EventType == "" {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "event requires tenant_id and event_type"))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	s.dispatcher.Dispatch(r.Context(), event)
	s.respond(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// handleWebhookDelivery accepts an inbound webhook POST. The signature comes
// from the X-Signature header; rejections are uniform 404s so callers cannot
// probe for valid paths.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	r.Body.Close()
	if err != nil {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "read webhook body failed").WithCause(err))
		return
	}

	executionID, err := s.receiver.Deliver(r.Context(), triggers.Delivery{
		Path:      mux.Vars(r)["path"],
		Body:      body,
		Headers:   r.Header,
		Signature: r.Header.Get("X-Signature"),
	})
	if err != nil {
		s.respond(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "not found"}})
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{"execution_id": executionID})
}

// handleStream serves a live Server-Sent Events feed of one execution's
// monitor events, heartbeats included. The stream ends after the terminal
// event or when the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	if _, err := s.store.GetExecution(r.Context(), executionID); err != nil {
		s.respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, schema.NewError(schema.ErrCodeValidation, "streaming unsupported by connection"))
		return
	}

	events, cancel := s.hub.Subscribe(r.Context(), executionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

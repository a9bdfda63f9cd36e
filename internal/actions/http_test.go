package actions

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func TestHTTPCallValidate(t *testing.T) {
	a := NewHTTPCallAction(HTTPConfig{})

	require.Error(t, a.Validate(map[string]any{}))
	require.Error(t, a.Validate(map[string]any{"url": "not a url"}))
	require.Error(t, a.Validate(map[string]any{"url": "ftp://example.com"}))
	require.NoError(t, a.Validate(map[string]any{"url": "https://example.com/hook"}))
}

func TestHTTPCallPostsJSONBody(t *testing.T) {
	var gotMethod, gotContentType, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"id":42}`))
	}))
	defer srv.Close()

	a := NewHTTPCallAction(HTTPConfig{})
	out, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"url":     srv.URL,
			"body":    map[string]any{"invoice_id": "INV-9"},
			"headers": map[string]any{"Authorization": "Bearer tok"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod, "method defaults to POST")
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.JSONEq(t, `{"invoice_id":"INV-9"}`, string(gotBody))

	data := decodeOutput(t, out)
	assert.Equal(t, 200.0, data["status_code"])
	body, ok := data["body"].(map[string]any)
	require.True(t, ok, "JSON responses are parsed")
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 42.0, body["id"])
}

func TestHTTPCallNonJSONResponseKeptAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	a := NewHTTPCallAction(HTTPConfig{})
	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": srv.URL, "method": "get"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", decodeOutput(t, out)["body"])
}

func TestHTTPCallErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPCallAction(HTTPConfig{})

	_, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeAction, aerr.Code)
	assert.Equal(t, 502, aerr.Details["status_code"])

	// fail_on_error_status=false turns the same response into a normal output.
	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": srv.URL, "fail_on_error_status": false},
	})
	require.NoError(t, err)
	assert.Equal(t, 502.0, decodeOutput(t, out)["status_code"])
}

func TestHTTPCallTruncatesLargeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte("0123456789"))
		}
	}))
	defer srv.Close()

	a := NewHTTPCallAction(HTTPConfig{MaxResponseBody: 64})
	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": srv.URL, "method": "GET"},
	})
	require.NoError(t, err)

	body, ok := decodeOutput(t, out)["body"].(string)
	require.True(t, ok)
	assert.Len(t, body, 64)
}

func TestHTTPCallConnectionRefused(t *testing.T) {
	a := NewHTTPCallAction(HTTPConfig{})
	_, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": "http://127.0.0.1:1", "timeout": "500ms"},
	})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeAction, aerr.Code)
}

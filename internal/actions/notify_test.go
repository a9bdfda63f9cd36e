package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func decodeOutput(t *testing.T, out *ActionOutput) map[string]any {
	t.Helper()
	require.NotNil(t, out)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &m))
	return m
}

func TestNotifySendValidate(t *testing.T) {
	a := NewNotifySendAction(NewLogNotifier(nil))

	require.Error(t, a.Validate(map[string]any{"body": "hi"}), "recipients are required")
	require.Error(t, a.Validate(map[string]any{"recipients": []any{"a@b.c"}}), "template or body is required")
	require.NoError(t, a.Validate(map[string]any{"recipients": []any{"a@b.c"}, "body": "hi"}))
	require.NoError(t, a.Validate(map[string]any{"recipients": "a@b.c", "template": "invoice_overdue"}))
}

func TestNotifySendExecute(t *testing.T) {
	notifier := NewLogNotifier(nil)
	a := NewNotifySendAction(notifier)

	out, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"recipients": []any{"cfo@acme.com", "ap@acme.com"},
			"subject":    "Invoice INV-9 overdue",
			"body":       "Please pay.",
		},
	})
	require.NoError(t, err)

	data := decodeOutput(t, out)
	assert.NotEmpty(t, data["delivery_id"])
	assert.Equal(t, "email", data["channel"], "channel defaults to email")
	assert.Equal(t, []any{"cfo@acme.com", "ap@acme.com"}, data["recipients"])

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t1", sent[0].TenantID)
	assert.Equal(t, "Invoice INV-9 overdue", sent[0].Subject)
	assert.Equal(t, []string{"cfo@acme.com", "ap@acme.com"}, sent[0].Recipients)
}

func TestNotifySendDeliveryFailure(t *testing.T) {
	a := NewNotifySendAction(failingNotifier{})

	_, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"recipients": "a@b.c", "body": "hi"},
	})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeAction, aerr.Code)
}

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, Notification) (string, error) {
	return "", schema.NewError(schema.ErrCodeAction, "smtp down")
}

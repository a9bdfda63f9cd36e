package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tallybook/automaton/pkg/schema"
)

// Notification is one outbound message handed to a Notifier.
type Notification struct {
	TenantID   string   `json:"tenant_id"`
	Recipients []string `json:"recipients"`
	Channel    string   `json:"channel"`
	Template   string   `json:"template,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
	Data       any      `json:"data,omitempty"`
}

// Notifier delivers notifications. Implementations wrap email, chat, or
// in-app channels; the engine only needs a delivery ID back.
type Notifier interface {
	Send(ctx context.Context, n Notification) (deliveryID string, err error)
}

// LogNotifier logs deliveries instead of sending them. Used as the default
// when no real channel is configured, and in tests.
type LogNotifier struct {
	mu     sync.Mutex
	logger *slog.Logger
	sent   []Notification
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Notification) (string, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	n.logger.InfoContext(ctx, "notification sent",
		"delivery_id", id,
		"tenant_id", msg.TenantID,
		"channel", msg.Channel,
		"recipients", len(msg.Recipients),
		"subject", msg.Subject,
	)
	return id, nil
}

// Sent returns a copy of all notifications delivered so far.
func (n *LogNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

const notifySendInputSchema = `{
  "type": "object",
  "properties": {
    "recipients": {"type": ["array", "string"], "items": {"type": "string"}},
    "channel": {"type": "string", "default": "email"},
    "template": {"type": "string"},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "data": {}
  },
  "required": ["recipients"]
}`

// NotifySendAction implements "notify.send". Recipients may be literals or
// values resolved from the variable context before the action runs.
type NotifySendAction struct {
	notifier Notifier
}

func NewNotifySendAction(notifier Notifier) *NotifySendAction {
	return &NotifySendAction{notifier: notifier}
}

func (a *NotifySendAction) Name() string { return "notify.send" }

func (a *NotifySendAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send a notification to one or more recipients via the configured channel.",
		InputSchema: json.RawMessage(notifySendInputSchema),
	}
}

func (a *NotifySendAction) Validate(params map[string]any) error {
	if len(stringSliceParam(params, "recipients")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "notify.send: missing required param 'recipients'")
	}
	if stringParam(params, "template", "") == "" && stringParam(params, "body", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify.send: one of 'template' or 'body' is required")
	}
	return nil
}

func (a *NotifySendAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	msg := Notification{
		TenantID:   input.TenantID,
		Recipients: stringSliceParam(params, "recipients"),
		Channel:    stringParam(params, "channel", "email"),
		Template:   stringParam(params, "template", ""),
		Subject:    stringParam(params, "subject", ""),
		Body:       stringParam(params, "body", ""),
		Data:       params["data"],
	}

	deliveryID, err := a.notifier.Send(ctx, msg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "notify.send: delivery failed").WithCause(err)
	}

	data, err := json.Marshal(map[string]any{
		"delivery_id": deliveryID,
		"recipients":  msg.Recipients,
		"channel":     msg.Channel,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "notify.send: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

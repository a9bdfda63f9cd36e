package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tallybook/automaton/pkg/schema"
)

const (
	defaultBufferSize     = 64
	defaultHeartbeatEvery = 15 * time.Second
)

// MemoryHub is the in-process Hub implementation.
type MemoryHub struct {
	mu             sync.Mutex
	streams        map[string]*stream
	bufferSize     int
	heartbeatEvery time.Duration
	done           chan struct{}
	closeOnce      sync.Once
	logger         *slog.Logger
}

type stream struct {
	subscribers map[int]chan ExecutionEvent
	nextSub     int
	lastEvent   time.Time
	tenantID    string
}

// HubConfig tunes the in-memory hub.
type HubConfig struct {
	BufferSize     int
	HeartbeatEvery time.Duration
}

func NewMemoryHub(cfg HubConfig, logger *slog.Logger) *MemoryHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &MemoryHub{
		streams:        make(map[string]*stream),
		bufferSize:     cfg.BufferSize,
		heartbeatEvery: cfg.HeartbeatEvery,
		done:           make(chan struct{}),
		logger:         logger,
	}
	go h.heartbeatLoop()
	return h
}

func isTerminalEvent(eventType string) bool {
	return eventType == schema.EventExecutionCompleted ||
		eventType == schema.EventExecutionFailed ||
		eventType == schema.EventExecutionCancelled
}

// Publish fans the event out to the execution's subscribers. Sends are
// non-blocking; a subscriber whose buffer is full misses the event. The
// terminal event closes the stream after delivery.
func (h *MemoryHub) Publish(ctx context.Context, event ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[event.ExecutionID]
	if !ok {
		if isTerminalEvent(event.Type) {
			return
		}
		st = &stream{subscribers: make(map[int]chan ExecutionEvent)}
		h.streams[event.ExecutionID] = st
	}
	if event.TenantID != "" {
		st.tenantID = event.TenantID
	}
	st.lastEvent = event.Timestamp

	for id, ch := range st.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debug("monitor subscriber lagging, event dropped",
				"execution_id", event.ExecutionID, "subscriber", id, "event_type", event.Type)
		}
	}

	if isTerminalEvent(event.Type) {
		for _, ch := range st.subscribers {
			close(ch)
		}
		delete(h.streams, event.ExecutionID)
	}
}

// Subscribe attaches to an execution's event stream. Subscribing to an
// execution that already finished yields a channel that only closes via the
// cancel function; callers should read final state from the store first.
func (h *MemoryHub) Subscribe(ctx context.Context, executionID string) (<-chan ExecutionEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[executionID]
	if !ok {
		st = &stream{subscribers: make(map[int]chan ExecutionEvent), lastEvent: time.Now().UTC()}
		h.streams[executionID] = st
	}

	id := st.nextSub
	st.nextSub++
	ch := make(chan ExecutionEvent, h.bufferSize)
	st.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur, ok := h.streams[executionID]
		if !ok {
			return
		}
		if sub, ok := cur.subscribers[id]; ok {
			delete(cur.subscribers, id)
			close(sub)
		}
		if len(cur.subscribers) == 0 {
			delete(h.streams, executionID)
		}
	}
	return ch, cancel
}

// Close shuts the hub down and closes every subscriber channel.
func (h *MemoryHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, st := range h.streams {
			for _, ch := range st.subscribers {
				close(ch)
			}
		}
		h.streams = make(map[string]*stream)
	})
}

// heartbeatLoop emits a heartbeat to quiet streams so subscribers can tell a
// slow execution from a dead connection.
func (h *MemoryHub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.mu.Lock()
			for executionID, st := range h.streams {
				if len(st.subscribers) == 0 || now.Sub(st.lastEvent) < h.heartbeatEvery {
					continue
				}
				event := ExecutionEvent{
					ExecutionID: executionID,
					TenantID:    st.tenantID,
					Type:        schema.EventHeartbeat,
					Timestamp:   now.UTC(),
				}
				st.lastEvent = event.Timestamp
				for _, ch := range st.subscribers {
					select {
					case ch <- event:
					default:
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

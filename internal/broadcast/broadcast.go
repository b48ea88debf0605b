// Package broadcast defines the event fan-out port the core emits progress
// through. The transport layer (WebSocket, UDS subscribers) sits behind it.
package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the core.
const (
	EventWaferProgress      = "wafer_progress"
	EventBatchCompletion    = "batch_completion"
	EventConnectionPending  = "connection_pending"
	EventConnectionComplete = "connection_complete"
	EventDisconnected       = "disconnected"
	EventWorkflowResumed    = "workflow_resumed"
	EventRobotStatus        = "robot_status"
	EventEmergencyStop      = "emergency_stop"
	EventProtocolProgress   = "protocol_progress"
)

// Event is one broadcast message.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcaster fans events out to external observers. Implementations must
// not block the caller; slow consumers drop rather than stall the engine.
type Broadcaster interface {
	Broadcast(eventType string, payload map[string]any)
}

// LogBroadcaster writes events to the structured log. Used when no
// transport is attached (headless operation, tests).
type LogBroadcaster struct{}

func (LogBroadcaster) Broadcast(eventType string, payload map[string]any) {
	slog.Debug("broadcast", "event", eventType, "payload", payload)
}

// NullBroadcaster discards everything.
type NullBroadcaster struct{}

func (NullBroadcaster) Broadcast(string, map[string]any) {}

// Hub is a buffered fan-out broadcaster. Subscribers receive events on a
// bounded channel; events for a saturated subscriber are dropped with a
// counter rather than blocking the emitting sequence.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	dropped uint64
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{subs: make(map[int]chan Event), bufSize: bufSize}
}

// Broadcast delivers the event to every subscriber without blocking.
func (h *Hub) Broadcast(eventType string, payload map[string]any) {
	ev := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
			slog.Warn("broadcast dropped for slow subscriber", "subscriber", id, "event", eventType)
		}
	}
}

// Subscribe registers a consumer. The returned cancel func closes the
// channel and removes the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Dropped returns the number of events dropped due to slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Recorder captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Broadcast(eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Payload: payload, Timestamp: time.Now()})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of one type.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

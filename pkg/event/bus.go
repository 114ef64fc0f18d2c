package event

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event emitted by the scheduling components.
type Type string

const (
	RequestScheduled Type = "request.scheduled"
	RequestStarted   Type = "request.started"
	RequestRetry     Type = "request.retry"
	RequestCompleted Type = "request.completed"
	RequestFailed    Type = "request.failed"
	TaskEnqueued     Type = "task.enqueued"
	TaskStarted      Type = "task.started"
	TaskCompleted    Type = "task.completed"
	TaskFailed       Type = "task.failed"
	TokensRefilled   Type = "tokens.refilled"
	QueueUpdate      Type = "queue.update"
)

// Event is a single lifecycle notification. Fields besides Type and At are
// populated only when they make sense for the event kind.
type Event struct {
	Type      Type      `json:"type"`
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
	Swarm     string    `json:"swarm,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Tokens    float64   `json:"tokens,omitempty"`
	QueueSize int       `json:"queue_size,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Bus fans events out to subscribers. It is purely informational: publishing
// never blocks and never fails, so no scheduling logic may depend on a
// subscriber being present or keeping up. A subscriber whose buffer is full
// loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel plus a cancel func. The channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers e to every subscriber that has buffer space left.
// A nil bus is valid and drops everything, so components may carry an
// optional bus without nil checks at every call site.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // subscriber is behind, drop
		}
	}
}

package jobs

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"meeting-taskflow/internal/domain"
)

// EventType classifies job notifications.
type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeResult EventType = "result"
	EventTypeError  EventType = "error"
)

// Event is one sequenced notification about a pipeline job. Error events
// carry the worker command context; it never reaches API error bodies.
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	JobID     string           `json:"jobId"`
	Kind      domain.JobKind   `json:"kind,omitempty"`
	Type      EventType        `json:"type"`
	Status    domain.JobStatus `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Command   string           `json:"command,omitempty"`
	Args      []string         `json:"args,omitempty"`
	ExitCode  int              `json:"exitCode,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
}

// Filter narrows a history read. Zero fields match everything.
type Filter struct {
	After int64
	JobID string
	Kind  domain.JobKind
	Type  EventType
}

func (f Filter) matches(e Event) bool {
	return e.Seq > f.After &&
		(f.JobID == "" || e.JobID == f.JobID) &&
		(f.Kind == "" || e.Kind == f.Kind) &&
		(f.Type == "" || e.Type == f.Type)
}

// EventBus keeps the most recent job events in a fixed-size ring.
type EventBus struct {
	mu    sync.RWMutex
	ring  []Event
	head  int // index of the oldest event
	count int
	last  int64
}

// NewEventBus creates a bus holding at most history events (500 when unset).
func NewEventBus(history int) *EventBus {
	if history <= 0 {
		history = 500
	}
	return &EventBus{ring: make([]Event, history)}
}

// Publish stamps the event with the next sequence number, evicting the
// oldest entry when the ring is full.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last++
	event.Seq = b.last
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if b.count < len(b.ring) {
		b.ring[(b.head+b.count)%len(b.ring)] = event
		b.count++
	} else {
		b.ring[b.head] = event
		b.head = (b.head + 1) % len(b.ring)
	}
	return event
}

// Query returns retained events matching f, oldest first.
func (b *EventBus) Query(f Filter) []Event {
	return lo.Filter(b.snapshot(), func(e Event, _ int) bool { return f.matches(e) })
}

// Since returns every retained event newer than seq.
func (b *EventBus) Since(seq int64) []Event {
	return b.Query(Filter{After: seq})
}

// LastSeq is the sequence of the newest event ever published, or 0.
// Clients poll with it even after the event was evicted.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

func (b *EventBus) snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, b.count)
	for i := range out {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

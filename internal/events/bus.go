// Package events carries lifecycle events from the component host to
// its observers: the MCP notification layer and any registered webhook
// sinks.
//
// The bus is a bounded drop-oldest broadcast. Observers are not part
// of the trusted computing base: a slow subscriber loses the oldest
// events in its buffer and nothing else; there is no backpressure
// path from observers into the lifecycle manager.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind describes what happened.
type Kind string

const (
	KindLoad           Kind = "load"
	KindUnload         Kind = "unload"
	KindPolicyAttached Kind = "policy-attached"
	KindPolicyDenied   Kind = "policy-denied"
	KindToolCalled     Kind = "tool-called"
	KindToolFailed     Kind = "tool-failed"
)

// Event is one lifecycle record.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component_id"`
	Tool      string         `json:"tool,omitempty"`
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// New builds an event with a fresh id and UTC timestamp.
func New(kind Kind, component, tool, outcome string) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Component: component,
		Tool:      tool,
		Outcome:   outcome,
	}
}

// Bus is the bounded drop-oldest broadcast channel.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped uint64
}

// NewBus creates a bus whose subscribers each buffer up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: size,
	}
}

// Subscribe registers an observer. The returned cancel func must be
// called to release the subscription; the channel is closed by it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers an event to every subscriber without ever blocking
// the publisher. A full subscriber buffer sheds its oldest event to
// make room for the new one.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case <-ch:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped reports how many events have been shed across all
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

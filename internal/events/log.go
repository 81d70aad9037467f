package events

import (
	"context"
	"sync"
)

// DefaultLogCapacity bounds the in-memory log when no capacity is given.
const DefaultLogCapacity = 10000

// Log is a bounded, observable in-memory event log. When full, the oldest
// events are dropped.
type Log struct {
	mu       sync.RWMutex
	events   []Event
	capacity int

	subs   map[int]chan Event
	nextID int
}

// NewLog creates a log holding at most capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{
		capacity: capacity,
		subs:     make(map[int]chan Event),
	}
}

// Publish appends events and fans them out to subscribers. Subscribers
// that are not keeping up miss events rather than block the writer.
func (l *Log) Publish(_ context.Context, evts []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evts...)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}

	for _, ch := range l.subs {
		for _, e := range evts {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns up to limit events recorded after the event with the given
// ID. An empty or unknown ID starts from the oldest retained event.
func (l *Log) Since(id string, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if id != "" {
		for i := len(l.events) - 1; i >= 0; i-- {
			if l.events[i].ID == id {
				start = i + 1
				break
			}
		}
	}
	end := len(l.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, l.events[start:end])
	return out
}

// OfType returns retained events of type t, oldest first.
func (l *Log) OfType(t Type) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that cancels the subscription.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

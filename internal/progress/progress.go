// Package progress carries download progress and state notifications from the
// engine to whoever is watching. Delivery is best-effort: emitting never blocks
// the download loop and a slow observer loses events rather than stalling it.
package progress

import (
	"encoding/json"
	"sync"
)

// Kind distinguishes progress percentages from state transitions
type Kind string

const (
	KindProgress Kind = "progress"
	KindState    Kind = "state"
)

// Event is a single notification about one download
type Event struct {
	DownloadID string
	Kind       Kind
	Progress   int
	State      string
}

// ProgressEvent builds a percentage notification
func ProgressEvent(id string, percent int) Event {
	return Event{DownloadID: id, Kind: KindProgress, Progress: percent}
}

// StateEvent builds a state-transition notification
func StateEvent(id, state string) Event {
	return Event{DownloadID: id, Kind: KindState, State: state}
}

// Value returns the payload of the event: an int for progress, a string for state
func (e Event) Value() interface{} {
	if e.Kind == KindProgress {
		return e.Progress
	}
	return e.State
}

// MarshalJSON encodes the event as {downloadId, eventKind, value}
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DownloadID string      `json:"downloadId"`
		EventKind  Kind        `json:"eventKind"`
		Value      interface{} `json:"value"`
	}{e.DownloadID, e.Kind, e.Value()})
}

// Channel receives events. Implementations must not block.
type Channel interface {
	Emit(e Event)
}

// Func adapts a function to a Channel
type Func func(e Event)

// Emit calls f(e)
func (f Func) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Channel = Func(func(Event) {})

// Multi fans an event out to several channels
type Multi []Channel

// Emit forwards e to every channel
func (m Multi) Emit(e Event) {
	for _, c := range m {
		if c != nil {
			c.Emit(e)
		}
	}
}

// Bus is an in-process publish/subscribe channel. Each subscriber has a
// bounded buffer; events are dropped for a subscriber whose buffer is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Emit publishes e to all subscribers without blocking
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that cancels the subscription
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later emits are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

// Package events is the in-process publish/subscribe bus the pollers fire
// state transitions and periodic signals into.
package events

import (
	"log/slog"
	"sync"

	"github.com/onnwee/streamsync/telemetry"
)

// Event names fired by the synchronization engine.
const (
	StreamStarted           = "stream-started"
	StreamStopped           = "stream-stopped"
	Follow                  = "follow"
	Unfollow                = "unfollow"
	GameChanged             = "game-changed"
	CommandSendXTimes       = "command-send-x-times"
	EveryXMinutesOfStream   = "every-x-minutes-of-stream"
	ViewersAtLeastX         = "number-of-viewers-is-at-least-x"
	StreamIsRunningXMinutes = "stream-is-running-x-minutes"

	// All subscribes to every event.
	All = "*"

	defaultBufferSize = 128
)

// Payload is the attribute set of an event.
type Payload map[string]any

// Reset returns the payload of a counter reset signal. Each call is a new map.
func Reset() Payload { return Payload{"reset": true} }

// Event is one fired event.
type Event struct {
	Name    string
	Payload Payload
}

// Publisher fires events.
type Publisher interface {
	Fire(name string, payload Payload)
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[int]chan Event
	nextSubID int
	closed    bool

	dropMu     sync.Mutex
	dropCounts map[string]uint64
}

func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string]map[int]chan Event),
		dropCounts: make(map[string]uint64),
	}
}

// Fire delivers the event to every subscriber of name and of All without blocking.
func (b *Bus) Fire(name string, payload Payload) {
	if name == "" {
		return
	}
	telemetry.CountEvent(name)
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, topic := range [2]string{name, All} {
		for _, ch := range b.subs[topic] {
			select {
			case ch <- ev:
			default:
				b.recordDrop(name)
			}
		}
	}
}

// Subscribe returns a buffered channel of events named topic and its cancel func.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, defaultBufferSize)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			if !b.closed {
				close(ch)
			}
		})
	}

	return ch, unsubscribe
}

// Close closes every subscriber channel. Later Fire calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = map[string]map[int]chan Event{}
}

func (b *Bus) recordDrop(name string) {
	telemetry.CountDroppedEvent()
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	b.dropCounts[name]++
	if b.dropCounts[name]%100 == 1 {
		slog.Warn("dropping events", slog.String("event", name), slog.Uint64("total_drops", b.dropCounts[name]), slog.String("component", "events"))
	}
}

// Recorder is a Publisher that keeps every fired event, used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Fire(name string, payload Payload) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Events returns a copy of what was fired so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the fired event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Count returns how many times name was fired.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

package bus

import (
	"sync"

	"handoff/internal/domain"
)

// DefaultBuffer is the subscriber channel buffer used when none is given.
const DefaultBuffer = 256

// Filter narrows what a subscriber receives. Zero fields match everything;
// set fields are exact matches, combined with AND.
type Filter struct {
	Channel  string
	TaskType string
	Kinds    []string
}

func (f Filter) matches(e domain.Event) bool {
	if f.Channel != "" && f.Channel != e.Channel {
		return false
	}
	if f.TaskType != "" && f.TaskType != e.TaskType {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan domain.Event
	filter Filter
}

// Bus is an in-process pub-sub fan-out for committed task events. Publish is
// non-blocking: a subscriber that cannot keep up loses events rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a filtered subscriber and returns its event channel
// and a cancel function. The channel is closed on cancel or bus Close.
// bufSize defaults to DefaultBuffer if <= 0.
func (b *Bus) Subscribe(filter Filter, bufSize int) (<-chan domain.Event, func()) {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan domain.Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, filter: filter}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber whose filter matches. Events to a
// single subscriber arrive in publish order; a full subscriber channel drops
// the event for that subscriber only.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// subscriber full, drop
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

package events

import (
	"sync"
	"time"
)

// Bus assigns sequence numbers, keeps a bounded history and fans events out
// to channel subscribers. Publish never blocks: a subscriber whose buffer is
// full misses the event and OnDrop is called.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   uint64
	maxEvents int
	history   []Event
	subs      map[int]chan Event
	nextSub   int

	// OnDrop, when set, is called once per event a subscriber missed.
	OnDrop func(Event)
}

// NewBus creates a bus retaining up to maxEvents events for Since.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		history:   make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish stamps and records e, then delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.history = append(b.history, e)
	if len(b.history) > b.maxEvents {
		trim := len(b.history) - b.maxEvents
		b.history = append([]Event(nil), b.history[trim:]...)
	}
	var dropped int
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	onDrop := b.OnDrop
	b.mu.Unlock()
	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(e)
		}
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a cancel func that unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with sequence strictly greater than seq.
func (b *Bus) Since(seq uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

package keep

import "sync"

// Broadcaster fans StatusEvents out to subscribers. Publishing never blocks
// the producer: each subscriber has a latest-value mailbox, and a subscriber
// that falls behind sees only the most recent event, which is the right
// semantics for status rendering.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan StatusEvent
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan StatusEvent)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan StatusEvent, 1)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
// A full mailbox is drained first so the subscriber always observes the
// latest event.
func (b *Broadcaster) Publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

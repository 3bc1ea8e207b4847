package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type Subscription[T any] struct {
	ID string
	C  <-chan T
}

// Broadcaster fans values out to subscribers. Every subscriber has a
// one-value mailbox; a slow subscriber loses its oldest unread value and
// Publish never blocks.
type Broadcaster[T any] struct {
	latest atomic.Pointer[T]

	mu     sync.Mutex
	subs   map[string]chan T
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: map[string]chan T{}}
}

// Subscribe registers a subscriber and hands it the latest value, if any.
// The channel of a closed broadcaster is returned already closed.
func (b *Broadcaster[T]) Subscribe() Subscription[T] {
	ch := make(chan T, 1)
	sub := Subscription[T]{ID: uuid.NewString(), C: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	if v := b.latest.Load(); v != nil {
		ch <- *v
	}
	b.subs[sub.ID] = ch
	return sub
}

// Unsubscribe closes the subscriber's channel and returns how many remain.
func (b *Broadcaster[T]) Unsubscribe(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	return len(b.subs)
}

func (b *Broadcaster[T]) Publish(v T) {
	b.latest.Store(&v)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the unread value so the newest one fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *Broadcaster[T]) Latest() (T, bool) {
	if v := b.latest.Load(); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}

func (b *Broadcaster[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package stream

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Broadcaster fans values out to subscribers. The last value is cached and
// handed to new subscribers immediately so an MJPEG viewer or a fresh
// WebSocket client does not wait for the next tick.
//
// A subscriber whose channel is full misses that value; live frames are
// never queued behind a slow reader.
type Broadcaster[T any] struct {
	name        string
	mu          sync.RWMutex
	subscribers map[string]chan T
	last        T
	hasLast     bool
	closed      bool
	dropped     map[string]uint64
}

func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		name:        name,
		subscribers: make(map[string]chan T),
		dropped:     make(map[string]uint64),
	}
}

// Subscribe registers id and returns its channel. Subscribing an id twice
// replaces the previous subscription.
func (b *Broadcaster[T]) Subscribe(id string, bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}
	if bufferSize < 1 {
		bufferSize = 1
	}

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan T, bufferSize)
	b.subscribers[id] = ch

	if b.hasLast {
		ch <- b.last
	}

	logrus.WithFields(logrus.Fields{"broadcaster": b.name, "id": id, "total": len(b.subscribers)}).Debug("Subscriber added")
	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		delete(b.dropped, id)
		logrus.WithFields(logrus.Fields{"broadcaster": b.name, "id": id, "remaining": len(b.subscribers)}).Debug("Subscriber removed")
	}
}

// Broadcast delivers v to every subscriber that has room for it.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = v
	b.hasLast = true

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			b.dropped[id]++
			if n := b.dropped[id]; n == 1 || n%100 == 0 {
				logrus.WithFields(logrus.Fields{"broadcaster": b.name, "id": id, "dropped": n}).Warn("Subscriber too slow, dropping")
			}
		}
	}
}

// Last returns the most recently broadcast value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

// Reset forgets the cached value, e.g. when the source changes.
func (b *Broadcaster[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	b.last = zero
	b.hasLast = false
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	logrus.WithField("broadcaster", b.name).Info("Broadcaster closed")
}

func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

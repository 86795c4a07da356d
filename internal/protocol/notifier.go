package protocol

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wagiedev/mcpbridge/internal/message"
)

// Notifier fans child notifications out to subscribers.
//
// Delivery is best-effort: a subscriber whose buffer is full misses the
// notification, and nobody else is slowed down.
type Notifier struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan *message.Message
	nextID uint64
	closed bool

	dropped atomic.Int64
}

// NewNotifier creates an empty subscriber set.
func NewNotifier(log *slog.Logger) *Notifier {
	return &Notifier{
		log:  log.With("component", "notifier"),
		subs: make(map[uint64]chan *message.Message),
	}
}

// Subscribe registers a subscriber with the given buffer size.
//
// The returned cancel function unregisters the subscriber and closes its
// channel; it is safe to call more than once. Subscribing to a closed
// Notifier returns an already closed channel.
func (n *Notifier) Subscribe(buffer int) (<-chan *message.Message, func()) {
	ch := make(chan *message.Message, max(buffer, 1))

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)

		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()

			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

// Publish offers msg to every subscriber without blocking and returns how
// many accepted it.
func (n *Notifier) Publish(msg *message.Message) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(n.subs) == 0 {
		n.log.Debug("Dropping notification with no subscribers", "method", msg.Method)

		return 0
	}

	delivered := 0

	for id, ch := range n.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			n.dropped.Add(1)
			n.log.Debug("Subscriber buffer full, dropping notification",
				"subscriber", id, "method", msg.Method)
		}
	}

	return delivered
}

// Subscribers returns the number of registered subscribers.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped because a
// buffer was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	n.closed = true

	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// Package progress carries live deletion progress from the execution
// engine to console clients: an in-process broker plus a WebSocket
// transport and a reconnecting subscriber client.
package progress

import (
	"sync"

	"conservatory.io/cadenza/internal/domain"
)

// Broker is an in-process pub/sub hub keyed by operation ID. The engine
// actor is the single writer per operation; subscribers receive ordered
// snapshots and late subscribers get the latest snapshot on attach.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	buffer int
}

type topic struct {
	last   *domain.DeletionProgress
	subs   map[int]chan domain.DeletionProgress
	nextID int
	closed bool
}

// NewBroker creates a broker whose subscriber channels buffer up to
// bufferSize snapshots.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		topics: make(map[string]*topic),
		buffer: bufferSize,
	}
}

func (b *Broker) topicFor(operationID string) *topic {
	t, ok := b.topics[operationID]
	if !ok {
		t = &topic{subs: make(map[int]chan domain.DeletionProgress)}
		b.topics[operationID] = t
	}
	return t
}

// Publish delivers a snapshot to all subscribers of the operation. A slow
// subscriber loses its oldest buffered snapshot rather than stalling the
// engine; delivery stays ordered.
func (b *Broker) Publish(operationID string, snapshot domain.DeletionProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicFor(operationID)
	if t.closed {
		return
	}
	t.last = &snapshot

	for _, ch := range t.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Subscribe attaches to an operation's stream. The latest snapshot, if
// any, is delivered first. The returned cancel function detaches; the
// channel closes on cancel or when the operation's stream closes.
func (b *Broker) Subscribe(operationID string) (<-chan domain.DeletionProgress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicFor(operationID)
	ch := make(chan domain.DeletionProgress, b.buffer)
	if t.last != nil {
		ch <- *t.last
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends an operation's stream after its terminal snapshot. All
// subscriber channels are closed; late subscribers still receive the last
// snapshot followed by an immediate close.
func (b *Broker) Close(operationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Subscribers reports the current subscriber count for an operation.
func (b *Broker) Subscribers(operationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[operationID]; ok {
		return len(t.subs)
	}
	return 0
}

package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer bounds each subscriber's queue. A slow subscriber drops
// events rather than blocking the publisher; the poll loop is the
// correctness fallback.
const subscriberBuffer = 64

// MemoryBus is the in-process Bus used by single-replica deployments and
// tests.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger.With(zap.String("component", "memory_bus")),
		subs:   make(map[int]chan Event),
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("kind", string(event.Kind)),
			)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

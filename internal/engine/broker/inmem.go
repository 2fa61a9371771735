// Package broker implements the Broker (C5): the two-lane message
// transport between producers and the Worker Pool.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/metrics"
)

// DeliveryTimeout bounds how long Enqueue waits for a consumer channel
// to accept a delivery before dropping it. Zero means drop immediately.
var DeliveryTimeout = 100 * time.Millisecond

// InMemBroker is a dependency-free Broker for tests and single-process
// deployments. Delivery is best-effort: a message a consumer does not
// accept within DeliveryTimeout is dropped for that consumer, and
// nothing survives a restart, unlike RedisBroker.
type InMemBroker struct {
	mu     sync.RWMutex
	queues map[string][]chan engine.Delivery
	closed bool
}

// NewInMem returns an empty InMemBroker.
func NewInMem() *InMemBroker {
	return &InMemBroker{queues: make(map[string][]chan engine.Delivery)}
}

// Enqueue fans msg out to every consumer currently subscribed to queue.
// A consumer that doesn't accept delivery within DeliveryTimeout is
// skipped and the message is dropped for that consumer; Ack/Nack are
// both no-ops since there is nothing to acknowledge back to.
func (b *InMemBroker) Enqueue(ctx context.Context, queue string, msg engine.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	delivery := engine.Delivery{
		Message: msg,
		Ack:     func() error { return nil },
		Nack:    func() error { return nil },
	}
	for i, ch := range b.queues[queue] {
		select {
		case ch <- delivery:
		case <-ctx.Done():
			log.Printf("broker: delivery to queue=%s consumer=%d cancelled: %v", queue, i, ctx.Err())
		case <-time.After(DeliveryTimeout):
			log.Printf("broker: dropped delivery to queue=%s consumer=%d after timeout=%s", queue, i, DeliveryTimeout)
			metrics.RecordBrokerDrop(queue)
		}
	}
	return nil
}

// Consume registers a new subscriber channel for queue.
func (b *InMemBroker) Consume(ctx context.Context, queue string) (<-chan engine.Delivery, error) {
	ch := make(chan engine.Delivery, 64)
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		chs := b.queues[queue]
		for i, c := range chs {
			if c == ch {
				b.queues[queue] = append(chs[:i], chs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Close stops delivery to every subscriber and marks the broker closed.
func (b *InMemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ engine.Broker = (*InMemBroker)(nil)

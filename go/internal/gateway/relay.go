package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrRelayClosed is returned when publishing on a closed relay.
var ErrRelayClosed = errors.New("relay closed")

// Relay carries global broadcasts between processes serving the same store. A relay never
// hands a process its own publications.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe calls handler for every message published by other processes until ctx is
	// done. handler is called from a single goroutine.
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// MemoryBus is an in-process topic shared by several MemoryRelays.
type MemoryBus struct {
	mu     sync.RWMutex
	relays map[string]*MemoryRelay
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{relays: make(map[string]*MemoryRelay)}
}

// Relay returns a new relay attached to the bus
func (b *MemoryBus) Relay() *MemoryRelay {
	r := &MemoryRelay{
		bus:    b,
		origin: uuid.New().String(),
	}
	b.mu.Lock()
	b.relays[r.origin] = r
	b.mu.Unlock()
	return r
}

func (b *MemoryBus) deliver(origin string, payload []byte) {
	b.mu.RLock()
	targets := make([]*MemoryRelay, 0, len(b.relays))
	for id, r := range b.relays {
		if id != origin {
			targets = append(targets, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range targets {
		r.receive(payload)
	}
}

func (b *MemoryBus) remove(origin string) {
	b.mu.Lock()
	delete(b.relays, origin)
	b.mu.Unlock()
}

// MemoryRelay is one process's view of a MemoryBus.
type MemoryRelay struct {
	bus    *MemoryBus
	origin string

	mu      sync.Mutex
	handler func(payload []byte)
	closed  bool
}

func (r *MemoryRelay) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}
	r.bus.deliver(r.origin, append([]byte(nil), payload...))
	return nil
}

func (r *MemoryRelay) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.handler = handler
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.handler = nil
		r.mu.Unlock()
	}()
	return nil
}

// receive holds the lock while calling the handler so deliveries stay ordered
func (r *MemoryRelay) receive(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler != nil && !r.closed {
		r.handler(payload)
	}
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.handler = nil
	r.mu.Unlock()
	r.bus.remove(r.origin)
	return nil
}

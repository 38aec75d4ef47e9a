package events

import (
	"context"
	"sync"
)

// Broker is an in-process fan-out keyed by tenant, feeding the SSE and
// WebSocket live feeds. Slow subscribers are skipped, never awaited.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // tenantID -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(tenantID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = map[chan Event]struct{}{}
	}
	b.subs[tenantID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(tenantID string, ch chan Event) {
	b.mu.Lock()
	if m := b.subs[tenantID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, tenantID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(_ context.Context, evt Event) {
	b.mu.Lock()
	m := b.subs[evt.TenantID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

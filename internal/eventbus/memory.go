package eventbus

import (
	"context"
	"sync"
)

const subscriberBuffer = 256

// MemoryBus is an in-process Bus. Publish blocks when a subscriber buffer is
// full rather than dropping the event.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	bus   *MemoryBus
	table string
	match Predicate
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Subscribe(_ context.Context, table string, match Predicate) (Subscription, error) {
	if match == nil {
		match = All
	}
	s := &memorySub{
		bus:   b,
		table: table,
		match: match,
		ch:    make(chan Event, subscriberBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[table] == nil {
		b.subs[table] = make(map[*memorySub]struct{})
	}
	b.subs[table][s] = struct{}{}
	return s, nil
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[event.Table] {
		if !s.match(event) {
			continue
		}
		select {
		case s.ch <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs[s.table], s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans events out across processes over Redis pub/sub, one channel
// per table.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisBus(client *redis.Client, prefix string, logger *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = "changes"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) channel(table string) string {
	return fmt.Sprintf("%s:%s", b.prefix, table)
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	by, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Table), by).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, table string, match Predicate) (Subscription, error) {
	if match == nil {
		match = All
	}
	ps := b.client.Subscribe(ctx, b.channel(table))
	// wait for the subscription to be confirmed so no publish after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	s := &redisSub{
		ps:   ps,
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	go s.run(match, b.logger.With(zap.String("table", table)))
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *redisSub) run(match Predicate, logger *zap.Logger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			if !match(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

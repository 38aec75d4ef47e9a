package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker carries dispatch events over Redis Pub/Sub so multiple API
// replicas share one live feed.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedisBroker(url string, logger *slog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		rdb:    redis.NewClient(opt),
		logger: logger,
		subs:   map[chan Event]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) chanName(tenantID string) string {
	return "dispatch:events:" + tenantID
}

// Subscribe opens a Pub/Sub subscription for the tenant and forwards its
// messages onto the returned channel. Only the forwarding goroutine closes
// the channel, when the subscription ends; a failed subscription returns
// an already-closed channel.
func (b *RedisBroker) Subscribe(tenantID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(tenantID))
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Warn("redis subscribe failed", "tenant", tenantID, "err", err)
		_ = ps.Close()
		close(ch)
		return ch
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()
	return ch
}

// Unsubscribe closes the channel's Pub/Sub subscription. That ends the
// forwarding goroutine, which in turn closes the consumer channel, so the
// channel is never closed while a send can still race it.
func (b *RedisBroker) Unsubscribe(tenantID string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(_ context.Context, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(evt.TenantID), data).Err()
}

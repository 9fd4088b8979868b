package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNotifier is an alternative wakeup transport for deployments that
// already run Redis alongside the content store.
type RedisNotifier struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedisNotifier(addr string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &RedisNotifier{
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, channel string) error {
	return n.client.Publish(ctx, channel, "").Err()
}

func (n *RedisNotifier) Wait(ctx context.Context, channel string, timeout time.Duration) error {
	sub, err := n.subscription(ctx, channel)
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sub.Channel():
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *RedisNotifier) subscription(ctx context.Context, channel string) (*redis.PubSub, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[channel]; ok {
		return sub, nil
	}
	sub := n.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	n.subs[channel] = sub
	return sub, nil
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	for _, sub := range n.subs {
		sub.Close()
	}
	n.subs = make(map[string]*redis.PubSub)
	n.mu.Unlock()
	return n.client.Close()
}

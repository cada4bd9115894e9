package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are forwarded to.
const DefaultRedisChannel = "agentengine:events"

// RedisPublisher is the subset of *redis.Client used by the forwarder.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// RedisForwarder publishes bus events as JSON on a Redis channel.
// Events are queued and published from Run so a slow Redis never stalls
// an agent loop; when the queue is full events are dropped.
type RedisForwarder struct {
	client  RedisPublisher
	channel string
	queue   chan Event
	dropped atomic.Int64
}

func NewRedisForwarder(client RedisPublisher, channel string, buffer int) *RedisForwarder {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisForwarder{
		client:  client,
		channel: channel,
		queue:   make(chan Event, buffer),
	}
}

// Handle is an EventHandler; register it with Bus.Subscribe.
func (f *RedisForwarder) Handle(event Event) {
	select {
	case f.queue <- event:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("redis forwarder queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (f *RedisForwarder) Dropped() int64 { return f.dropped.Load() }

// Run publishes queued events until ctx is cancelled, then drains what is
// already queued with a short deadline.
func (f *RedisForwarder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *RedisForwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		default:
			return
		}
	}
}

func (f *RedisForwarder) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("redis forwarder: marshal event", "event", ev.Name, "error", err)
		return
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		slog.Warn("redis forwarder: publish failed", "event", ev.Name, "agent", ev.AgentID, "error", err)
	}
}

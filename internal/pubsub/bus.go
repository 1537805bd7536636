// Package pubsub is the Pub/Sub Bus: named broadcast channels plus a small
// key/value cache, backed by Redis PUBLISH/SUBSCRIBE and GET/SET.  Messages
// are fire-and-forget strings, delivered only to connections subscribed at
// publish time; no durability is attempted here the way internal/jobbus
// attempts it for jobs.
package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Channel names used by the admission-control pipeline.
const (
	ChannelDequeued          = "dequeued-channel"
	ChannelCheckingInExpired = "checking-in-expired-channel"
	ChannelQueuePositions    = "queue-positions-channel"
)

// CacheKeyQueuePositions is the well-known cache key the Dequeue Service
// writes every run and the Event Stream Bridge reads on connect.
const CacheKeyQueuePositions = "queued-party-positions"

// Bus wraps a Redis client for publish and cache operations.  It does not
// hold a subscriber connection itself; Subscribe below hands out a fresh
// one per call, keeping each bridge's subscriber handle independent of its
// command handle (some pub/sub backends forbid commands while subscribed).
type Bus struct {
	rdb *redis.Client
}

// New returns a Bus backed by rdb.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish fires payload on channel to every currently subscribed connection.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// CacheSet stores payload under key with no expiration; the cache's
// staleness bound is the interval between dequeue runs, not a TTL.
func (b *Bus) CacheSet(ctx context.Context, key string, payload []byte) error {
	return b.rdb.Set(ctx, key, payload, 0).Err()
}

// CacheGet returns the payload stored under key, and false if absent.
func (b *Bus) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Subscription is a subscriber handle independent of the Bus's command
// connection, so a connected client's event stream bridge can issue
// CacheGet calls on Bus while this Subscription blocks on channel traffic.
// Unsubscribe narrows the subscription without closing the underlying
// connection, so a bridge can drop channels it no longer cares about (e.g.
// admissions once its party is already checking in) without tearing down
// and re-establishing the whole subscription.
type Subscription interface {
	Channel() <-chan *redis.Message
	Unsubscribe(ctx context.Context, channels ...string) error
	Close() error
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Subscribe opens a new subscriber connection listening on channels.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) Subscription {
	return &redisSubscription{ps: b.rdb.Subscribe(ctx, channels...)}
}

func (s *redisSubscription) Channel() <-chan *redis.Message {
	return s.ps.Channel()
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

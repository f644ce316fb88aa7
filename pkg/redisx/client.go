// Package redisx projects the bootloader's collaborator-facing surface onto
// Redis: a command queue a GUI (or any other collaborator) pushes onto, and
// a pub/sub + hash-mirrored progress/identity/error channel the core
// publishes to. It plays the role the out-of-process GUI event loop would
// otherwise occupy.
package redisx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the handful of primitives the
// bootloader's collaborator surface needs: hash writes (mirrored state),
// pub/sub (events), and a blocking queue (commands).
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr and verifies reachability with a PING before
// returning.
func New(addr, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Client{client: client, ctx: ctx}, nil
}

// WriteAndPublishString writes field=value into the key hash and publishes
// "field:value" on the same key as a channel name, mirroring state for
// readers that prefer HGET over subscribing.
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	if err != nil {
		return fmt.Errorf("write and publish %s.%s: %w", key, field, err)
	}
	return nil
}

// WriteAndPublishInt is WriteAndPublishString for an integer value.
func (c *Client) WriteAndPublishInt(key, field string, value int) error {
	return c.WriteAndPublishString(key, field, strconv.Itoa(value))
}

// WriteBytes stores a raw byte payload (a CBOR-encoded snapshot) in a hash
// field without publishing it; identity snapshots are large enough that
// broadcasting them on every connect is wasteful, and collaborators read
// them on demand instead.
func (c *Client) WriteBytes(key, field string, value []byte) error {
	if err := c.client.HSet(c.ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("write bytes %s.%s: %w", key, field, err)
	}
	return nil
}

// Publish publishes message on channel without touching any hash.
func (c *Client) Publish(channel, message string) error {
	if err := c.client.Publish(c.ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to channel and returns a message channel plus a
// close func the caller must invoke when done.
func (c *Client) Subscribe(channel string) (<-chan *redis.Message, func()) {
	pubsub := c.client.Subscribe(c.ctx, channel)
	return pubsub.Channel(), func() { pubsub.Close() }
}

// BRPop blocks up to timeout for an item on key, returning its raw string
// value. It is the primitive WatchCommands uses to drain the command queue.
func (c *Client) BRPop(timeout time.Duration, key string) (string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("brpop %s: %w", key, err)
	}
	// BRPOP returns [key, value]; result[0] echoes the key that fired.
	if len(result) < 2 {
		return "", fmt.Errorf("brpop %s: malformed reply %v", key, result)
	}
	return result[1], nil
}

// LPush pushes value onto key, for collaborators that want to enqueue
// commands from the same process.
func (c *Client) LPush(key, value string) error {
	if err := c.client.LPush(c.ctx, key, value).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}

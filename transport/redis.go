// Package transport provides memwatch.Publisher implementations that
// mirror Change Events outside the process hosting the engine — the
// "subscribers ... in another process" case spec.md §1 only specifies
// as an interface. RedisPublisher is grounded on the teacher's
// cache/redis.go connection/options shape, repurposed from a
// get/set cache client into a pub/sub fan-out.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/memwatch"
)

// Options configures a RedisPublisher, mirroring the teacher's
// cache.Options shape.
type Options struct {
	Address        string
	Password       string
	DB             int
	PublishTimeout time.Duration
}

// DefaultOptions mirrors the teacher's cache.DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:        "localhost:6379",
		DB:             0,
		PublishTimeout: 2 * time.Second,
	}
}

// RedisPublisher publishes each delivered Change Event, JSON-encoded,
// to a channel named "memwatch:{adapter_id}" so any process can
// SUBSCRIBE without a custom wire protocol.
type RedisPublisher struct {
	client *redis.Client
	opts   Options
	log    *slog.Logger
}

// NewRedisPublisher dials a Redis client lazily (go-redis connects on
// first use) and returns a Publisher ready to hand to
// (*memwatch.Engine).SetPublisher.
func NewRedisPublisher(opts Options, log *slog.Logger) *RedisPublisher {
	if opts.Address == "" {
		opts = DefaultOptions()
	}
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisPublisher{client: client, opts: opts, log: log}
}

// Ping verifies connectivity, mirroring the teacher's
// Connection.Ping.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) channel(adapter memwatch.AdapterID) string {
	return fmt.Sprintf("memwatch:%d", adapter)
}

// Publish implements memwatch.Publisher. It is called from the
// Worker goroutine (via subscriberHub.deliver), so it must not block
// past PublishTimeout; a publish failure is logged and dropped rather
// than surfaced, since the engine guarantees no delivery blocking back
// onto the capture path.
func (p *RedisPublisher) Publish(ev memwatch.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("redis transport: marshal failed", "seq", ev.Seq, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
	defer cancel()

	gaveUp := func(context.Context) {
		p.log.Warn("redis transport: publish gave up after retries", "seq", ev.Seq, "channel", p.channel(ev.AdapterID))
	}
	_ = memwatch.Retry(ctx, func(ctx context.Context) error {
		err := p.client.Publish(ctx, p.channel(ev.AdapterID), payload).Err()
		if err == nil {
			return nil
		}
		if memwatch.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, gaveUp)
}

// Close releases the underlying Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

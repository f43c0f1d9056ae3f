package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/chatflow/pkg/schema"
)

// RedisDeliverer appends redis:<list> events to a Redis list with RPUSH.
type RedisDeliverer struct {
	client redis.Cmdable
}

// NewRedisDeliverer creates a RedisDeliverer on client.
func NewRedisDeliverer(client redis.Cmdable) *RedisDeliverer {
	return &RedisDeliverer{client: client}
}

// NewRedisClient opens a client for addr and checks it with PING.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisDeliverer) Deliver(ctx context.Context, ev *schema.OutboxEvent) error {
	list := strings.TrimPrefix(ev.Destination, schema.DestinationRedis)
	if err := r.client.RPush(ctx, list, string(ev.Payload)).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

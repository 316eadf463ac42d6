package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps each collection/namespace pair in one hash
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "pagehook"}
}

// OpenRedis parses a redis:// URL and returns a client
func OpenRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Probe(ctx context.Context) error {
	return b.classify(b.client.Ping(ctx).Err())
}

func (b *RedisBackend) Read(ctx context.Context, collection string, f Filter) ([]Item, error) {
	key := b.hashKey(collection, f.Namespace)
	if f.Key != "" {
		v, err := b.client.HGet(ctx, key, f.Key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, b.classify(err)
		}
		return []Item{{Key: f.Key, Value: v}}, nil
	}

	all, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, b.classify(err)
	}
	items := make([]Item, 0, len(all))
	for k, v := range all {
		items = append(items, Item{Key: k, Value: []byte(v)})
	}
	sortItems(items)
	return items, nil
}

func (b *RedisBackend) Write(ctx context.Context, collection, namespace, key string, value []byte) error {
	return b.classify(b.client.HSet(ctx, b.hashKey(collection, namespace), key, value).Err())
}

func (b *RedisBackend) Delete(ctx context.Context, collection, namespace, key string) error {
	return b.classify(b.client.HDel(ctx, b.hashKey(collection, namespace), key).Err())
}

func (b *RedisBackend) hashKey(collection, namespace string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, collection, namespace)
}

func (b *RedisBackend) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "NOPERM") || strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// RedisBackend stores snapshot entries in Redis, for clients that share
// a snapshot across machines. Entries expire after TTL so abandoned
// snapshots do not accumulate.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend connects to Redis. A zero ttl keeps entries forever.
func NewRedisBackend(addr, password string, ttl time.Duration) (*RedisBackend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: "bookchat:snapshot",
		ttl:    ttl,
	}, nil
}

func (r *RedisBackend) Put(owner, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, r.key(owner, key), value, r.ttl).Err()
}

func (r *RedisBackend) Get(owner, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	data, err := r.client.Get(ctx, r.key(owner, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Delete(owner, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Del(ctx, r.key(owner, key)).Err()
}

func (r *RedisBackend) Clear(owner string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	keys := []string{
		r.key(owner, KeySessionID),
		r.key(owner, KeyBook),
		r.key(owner, KeyMessages),
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) key(owner, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, owner, key)
}

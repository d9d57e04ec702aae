package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/storefront/pkg/logging"
)

const defaultRedisTimeout = 2 * time.Second

type RedisStore struct {
	client  redis.Cmdable
	prefix  string
	timeout time.Duration
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the two keys, e.g. "storefront:alice:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, timeout: defaultRedisTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// writeContext bounds a write by the store timeout only. A caller that has
// already given up must not leave stale credentials behind.
func (s *RedisStore) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *RedisStore) SetTokens(ctx context.Context, access, refresh string) {
	opCtx, cancel := s.writeContext(ctx)
	defer cancel()

	err := s.client.MSet(opCtx, s.prefix+KeyAccess, access, s.prefix+KeyRefresh, refresh).Err()
	if err != nil {
		logging.FromContext(ctx).Warn("credstore_write_failed", "store", "redis", "error", err)
	}
}

func (s *RedisStore) Access(ctx context.Context) (string, bool) {
	return s.get(ctx, s.prefix+KeyAccess)
}

func (s *RedisStore) Refresh(ctx context.Context) (string, bool) {
	return s.get(ctx, s.prefix+KeyRefresh)
}

func (s *RedisStore) Clear(ctx context.Context) {
	opCtx, cancel := s.writeContext(ctx)
	defer cancel()

	if err := s.client.Del(opCtx, s.prefix+KeyAccess, s.prefix+KeyRefresh).Err(); err != nil {
		logging.FromContext(ctx).Warn("credstore_clear_failed", "store", "redis", "error", err)
	}
}

func (s *RedisStore) get(ctx context.Context, key string) (string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.client.Get(opCtx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).Warn("credstore_read_failed", "store", "redis", "key", key, "error", err)
		}
		return "", false
	}
	return v, v != ""
}

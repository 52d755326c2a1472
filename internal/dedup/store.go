package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "webhook-dedup"

// Store remembers webhook delivery keys for a bounded window so provider
// retries are absorbed idempotently. Redis backs it in production; when no
// redis client is configured it degrades to an in-process map, which is
// enough for a single instance and for tests.
type Store struct {
	redis redis.Cmdable
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		redis: rdb,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

// Seen marks the key and reports whether it was already present.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	if s.redis != nil {
		fresh, err := s.redis.SetNX(ctx, redisKeyPrefix+":"+key, "1", s.ttl).Result()
		if err == nil {
			return !fresh, nil
		}
		zap.L().Warn("redis dedup check failed, falling back to local cache", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if _, ok := s.seen[key]; ok {
		return true, nil
	}
	s.seen[key] = time.Now().Add(s.ttl)
	return false, nil
}

func (s *Store) sweepLocked() {
	now := time.Now()
	for k, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, k)
		}
	}
}

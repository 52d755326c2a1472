package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "withdrawal-otp"

// Store keeps one-time withdrawal verification codes. Codes live in redis
// with a TTL matching the verification window; without a redis client the
// store keeps them in process memory.
type Store struct {
	redis redis.Cmdable

	mu    sync.Mutex
	codes map[uuid.UUID]localCode
}

type localCode struct {
	code    string
	expires time.Time
}

func NewStore(rdb redis.Cmdable) *Store {
	return &Store{
		redis: rdb,
		codes: make(map[uuid.UUID]localCode),
	}
}

// Save stores the code for a withdrawal, replacing any previous one.
func (s *Store) Save(ctx context.Context, transactionID uuid.UUID, code string, ttl time.Duration) error {
	if s.redis != nil {
		return s.redis.Set(ctx, redisKey(transactionID), code, ttl).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[transactionID] = localCode{code: code, expires: time.Now().Add(ttl)}
	return nil
}

// Verify compares the submitted code and consumes it on success, so a code
// can never be used twice.
func (s *Store) Verify(ctx context.Context, transactionID uuid.UUID, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	if s.redis != nil {
		stored, err := s.redis.GetDel(ctx, redisKey(transactionID)).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
			// Wrong guess burned the code; the user must request a new one.
			return false, nil
		}
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.codes[transactionID]
	if !ok || time.Now().After(stored.expires) {
		delete(s.codes, transactionID)
		return false, nil
	}
	delete(s.codes, transactionID)
	return subtle.ConstantTimeCompare([]byte(stored.code), []byte(code)) == 1, nil
}

func redisKey(transactionID uuid.UUID) string {
	return redisKeyPrefix + ":" + transactionID.String()
}

// Package idempotency deduplicates repeated submissions that carry the same
// Idempotency-Key. The first request claims the key; later requests either
// see that it is still in flight or get the stored outcome replayed.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a claimed key and its outcome are remembered.
const DefaultTTL = 10 * time.Minute

const pendingMarker = "pending"

// Record is a completed response kept for replay.
type Record struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// Store claims keys and remembers outcomes.
//
// Claim returns claimed=true when the caller now owns key. Otherwise rec is
// the stored outcome, or nil while the owner is still running.
type Store interface {
	Claim(ctx context.Context, key string) (claimed bool, rec *Record, err error)
	Complete(ctx context.Context, key string, rec Record) error
	Release(ctx context.Context, key string) error
}

// =========== Redis ===========

type redisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore keeps keys in Redis, so duplicates are caught across
// server instances.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisStore{rdb: rdb, prefix: "idempotency:", ttl: ttl}
}

func (s *redisStore) Claim(ctx context.Context, key string) (bool, *Record, error) {
	k := s.prefix + key
	set, err := s.rdb.SetNX(ctx, k, pendingMarker, s.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if set {
		return true, nil, nil
	}

	val, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		set, err = s.rdb.SetNX(ctx, k, pendingMarker, s.ttl).Result()
		if err != nil {
			return false, nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		return set, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if val == pendingMarker {
		return false, nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return false, nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return false, &rec, nil
}

func (s *redisStore) Complete(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return s.rdb.Set(ctx, s.prefix+key, data, s.ttl).Err()
}

func (s *redisStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// =========== Memory ===========

type memEntry struct {
	rec     *Record
	expires time.Time
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*memEntry
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{entries: make(map[string]*memEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.After(s.nextSweep) {
		s.sweep(now)
	}
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		if e.rec == nil {
			return false, nil, nil
		}
		rec := *e.rec
		return false, &rec, nil
	}
	s.entries[key] = &memEntry{expires: now.Add(s.ttl)}
	return true, nil, nil
}

// sweep drops expired entries. Callers hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	s.nextSweep = now.Add(s.ttl)
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{rec: &rec, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType names a Store driver.
type StoreType string

const (
	StoreNone   StoreType = ""
	StoreMemory StoreType = "memory"
	StoreRedis  StoreType = "redis"
)

const (
	keyPrefix  = "transcript:"
	defaultTTL = 24 * time.Hour
)

var (
	// ErrInvalidStoreType is returned by NewStore for unknown drivers.
	ErrInvalidStoreType = errors.New("transcript: invalid store type")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("transcript: store closed")
)

// Store persists finalized segments per session connection id.
type Store interface {
	Append(ctx context.Context, connectionID string, seg Segment) error
	List(ctx context.Context, connectionID string) ([]Segment, error)
	Close() error
}

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Type StoreType     `yaml:"type"`
	Addr string        `yaml:"addr"`
	DB   int           `yaml:"db"`
	TTL  time.Duration `yaml:"ttl"`
}

// NewStore builds the configured store. It returns nil for StoreNone.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreNone:
		return nil, nil
	case StoreMemory:
		return NewMemoryStore(), nil
	case StoreRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("transcript: redis store requires addr")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
		return NewRedisStore(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStoreType, cfg.Type)
	}
}

// MemoryStore keeps segments in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string][]Segment
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{segments: make(map[string][]Segment)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, connectionID string, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.segments[connectionID] = append(s.segments[connectionID], seg)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, connectionID string) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([]Segment(nil), s.segments[connectionID]...), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.segments = nil
	return nil
}

// RedisStore appends segments to a Redis list per connection id and
// refreshes the key TTL on every write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, connectionID string, seg Segment) error {
	val, err := json.Marshal(seg)
	if err != nil {
		return err
	}

	key := s.key(connectionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, val)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("transcript: append %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, connectionID string) ([]Segment, error) {
	key := s.key(connectionID)
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: list %s: %w", key, err)
	}
	return decodeSegments(vals)
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(connectionID string) string {
	return keyPrefix + connectionID
}

func decodeSegments(vals []string) ([]Segment, error) {
	out := make([]Segment, 0, len(vals))
	for _, v := range vals {
		var seg Segment
		if err := json.Unmarshal([]byte(v), &seg); err != nil {
			return nil, fmt.Errorf("transcript: decode segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, nil
}

package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/pkg/redisx"
)

// Slot holds at most one position. Writers overwrite it; readers never clear it.
// Load reports false until the first Store.
type Slot interface {
	Store(ctx context.Context, pos shared.Position) error
	Load(ctx context.Context) (shared.Position, bool, error)
}

// MemorySlot is an in-process last-value register
type MemorySlot struct {
	mu  sync.RWMutex
	pos shared.Position
	ok  bool
}

// NewMemorySlot creates an empty slot
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{}
}

func (s *MemorySlot) Store(_ context.Context, pos shared.Position) error {
	s.mu.Lock()
	s.pos, s.ok = pos, true
	s.mu.Unlock()
	return nil
}

func (s *MemorySlot) Load(_ context.Context) (shared.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos, s.ok, nil
}

const locationKeyPrefix = "busline:location:"

// RedisSlot keeps the last fix of one bus in Redis so that other processes
// (a second agent, a dashboard) can read it. A positive TTL lets the key
// expire when the watch goes silent; zero keeps it until overwritten.
type RedisSlot struct {
	client *redisx.Client
	key    string
	ttl    time.Duration
}

// NewRedisSlot creates a slot for busNo
func NewRedisSlot(client *redisx.Client, busNo string, ttl time.Duration) *RedisSlot {
	return &RedisSlot{
		client: client,
		key:    locationKeyPrefix + busNo,
		ttl:    ttl,
	}
}

func (s *RedisSlot) Store(ctx context.Context, pos shared.Position) error {
	return s.client.SetJSON(ctx, s.key, pos, s.ttl)
}

func (s *RedisSlot) Load(ctx context.Context) (shared.Position, bool, error) {
	var pos shared.Position
	found, err := s.client.GetJSON(ctx, s.key, &pos)
	if err != nil || !found {
		return shared.Position{}, false, err
	}
	return pos, true, nil
}

// Key returns the Redis key backing the slot
func (s *RedisSlot) Key() string {
	return s.key
}

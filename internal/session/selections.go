// Package session remembers which service a chat picked before uploading a receipt.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tg_member_bot/internal/domain"
)

// DefaultTTL bounds how long a selection waits for its receipt.
const DefaultTTL = 30 * time.Minute

// Selections stores the pending service choice per chat.
type Selections interface {
	Put(ctx context.Context, chatID int64, service domain.Service) error
	// Get returns the selection and whether one is present and unexpired.
	Get(ctx context.Context, chatID int64) (domain.Service, bool, error)
	Clear(ctx context.Context, chatID int64) error
}

type memoryEntry struct {
	service   domain.Service
	expiresAt time.Time
}

// MemorySelections keeps selections in process memory.
type MemorySelections struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]memoryEntry
}

// NewMemorySelections constructs MemorySelections; ttl<=0 uses DefaultTTL.
func NewMemorySelections(ttl time.Duration) *MemorySelections {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemorySelections{ttl: ttl, now: time.Now, entries: make(map[int64]memoryEntry)}
}

func (m *MemorySelections) Put(_ context.Context, chatID int64, service domain.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[chatID] = memoryEntry{service: service, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemorySelections) Get(_ context.Context, chatID int64) (domain.Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[chatID]
	if !ok {
		return domain.Service{}, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, chatID)
		return domain.Service{}, false, nil
	}
	return entry.service, true, nil
}

func (m *MemorySelections) Clear(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, chatID)
	return nil
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSelections keeps selections in Redis under "selection:<chatID>".
type RedisSelections struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisSelections constructs RedisSelections; ttl<=0 uses DefaultTTL.
func NewRedisSelections(client redisClient, ttl time.Duration) *RedisSelections {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSelections{client: client, ttl: ttl}
}

func (r *RedisSelections) Put(ctx context.Context, chatID int64, service domain.Service) error {
	payload, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	if err := r.client.Set(ctx, key(chatID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("store selection: %w", err)
	}
	return nil
}

func (r *RedisSelections) Get(ctx context.Context, chatID int64) (domain.Service, bool, error) {
	raw, err := r.client.Get(ctx, key(chatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Service{}, false, nil
		}
		return domain.Service{}, false, fmt.Errorf("read selection: %w", err)
	}

	var service domain.Service
	if err := json.Unmarshal(raw, &service); err != nil {
		return domain.Service{}, false, fmt.Errorf("decode selection: %w", err)
	}
	return service, true, nil
}

func (r *RedisSelections) Clear(ctx context.Context, chatID int64) error {
	if err := r.client.Del(ctx, key(chatID)).Err(); err != nil {
		return fmt.Errorf("clear selection: %w", err)
	}
	return nil
}

func key(chatID int64) string {
	return "selection:" + strconv.FormatInt(chatID, 10)
}

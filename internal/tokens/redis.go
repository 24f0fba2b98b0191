package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "link_token:"

// expiredGrace keeps an entry readable for a while after ExpiresAt so a late
// redemption is told the token expired rather than that it never existed.
const expiredGrace = 5 * time.Minute

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps tokens in Redis and relies on key TTLs for cleanup.
type RedisStore struct {
	client redisClient
	now    func() time.Time
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client redisClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Set(ctx context.Context, token string, entry Entry) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode token entry: %w", err)
	}

	ttl := entry.ExpiresAt.Sub(s.now()) + expiredGrace
	if ttl <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, keyPrefix+token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (Entry, error) {
	if err := s.guard(ctx); err != nil {
		return Entry{}, err
	}
	return decode(s.client.Get(ctx, keyPrefix+token))
}

// Claim reads and removes the token in one GETDEL round trip.
func (s *RedisStore) Claim(ctx context.Context, token string) (Entry, error) {
	if err := s.guard(ctx); err != nil {
		return Entry{}, err
	}
	return decode(s.client.GetDel(ctx, keyPrefix+token))
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if err := s.client.Del(ctx, keyPrefix+token).Err(); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SweepExpired is a no-op; Redis expires keys on its own.
func (s *RedisStore) SweepExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) guard(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis token store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func decode(cmd *redis.StringCmd) (Entry, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read token: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode token entry: %w", err)
	}
	return entry, nil
}

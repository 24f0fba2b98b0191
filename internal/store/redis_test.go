package store

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func stubPing(err error) (*[]*redis.Client, func()) {
	var seen []*redis.Client
	prev := pingRedis
	pingRedis = func(_ context.Context, client *redis.Client) error {
		seen = append(seen, client)
		return err
	}
	return &seen, func() { pingRedis = prev }
}

func TestConnectRedisParsesURL(t *testing.T) {
	seen, restore := stubPing(nil)
	t.Cleanup(restore)

	client, err := ConnectRedis(context.Background(), " redis://:secret@cache:6380/2 ")
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if len(*seen) != 1 {
		t.Fatalf("expected a single ping, got %d", len(*seen))
	}

	opts := client.Options()
	if opts.Addr != "cache:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}
}

func TestConnectRedisRejectsBadInput(t *testing.T) {
	_, restore := stubPing(nil)
	t.Cleanup(restore)

	if _, err := ConnectRedis(nil, "redis://cache:6379"); err == nil {
		t.Fatalf("expected error for nil context")
	}
	if _, err := ConnectRedis(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := ConnectRedis(context.Background(), "http://cache:6379"); err == nil {
		t.Fatalf("expected error for non-redis scheme")
	}
}

func TestConnectRedisPropagatesPingError(t *testing.T) {
	pingErr := errors.New("connection refused")
	_, restore := stubPing(pingErr)
	t.Cleanup(restore)

	if _, err := ConnectRedis(context.Background(), "redis://cache:6379"); !errors.Is(err, pingErr) {
		t.Fatalf("expected ping error, got %v", err)
	}
}

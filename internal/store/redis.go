package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// pingRedis is overridable for tests.
var pingRedis = func(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// ConnectRedis parses a redis:// URL, opens a client and verifies it with a
// ping. The returned client backs the token and selection stores.
func ConnectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := pingRedis(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Package redisstore persists session state in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/coachpo/tickwire/internal/domain/sessionstore"
)

// DefaultPrefix namespaces session keys.
const DefaultPrefix = "tickwire:session:"

// Store implements sessionstore.Store on plain Redis string keys without expiry.
type Store struct {
	client *redis.Client
	prefix string
}

var _ sessionstore.Store = (*Store)(nil)

// Open parses redisURL, connects, and verifies the server answers PING.
func Open(ctx context.Context, redisURL, prefix string) (*Store, error) {
	var client *redis.Client
	if strings.TrimSpace(redisURL) != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379", Password: "", DB: 0})
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

// Get implements sessionstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements sessionstore.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Remove implements sessionstore.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

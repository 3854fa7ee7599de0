// Package session stores issued workspace access sessions so tokens can be revoked before they expire.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"codepad/api/internal/store"
)

// TokenData holds the data stored for each access session
type TokenData struct {
	WorkspaceID string    `json:"workspace_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore implements access session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "access:",
	}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

// SaveAccessSession records jti until expiresAt.
func (s *RedisStore) SaveAccessSession(ctx context.Context, jti, workspaceID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save access session: already expired")
	}
	data, err := json.Marshal(TokenData{
		WorkspaceID: workspaceID,
		ExpiresAt:   expiresAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(jti), data, ttl).Err(); err != nil {
		return fmt.Errorf("save access session: %w", err)
	}
	return nil
}

// LookupAccessSession returns the live session for jti, or store.ErrNotFound.
func (s *RedisStore) LookupAccessSession(ctx context.Context, jti string) (store.AccessSession, error) {
	raw, err := s.client.Get(ctx, s.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return store.AccessSession{}, store.ErrNotFound
	}
	if err != nil {
		return store.AccessSession{}, fmt.Errorf("lookup access session: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.AccessSession{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return store.AccessSession{JTI: jti, WorkspaceID: data.WorkspaceID, ExpiresAt: data.ExpiresAt}, nil
}

// RevokeAccessSession deletes a session; revoking an unknown jti is not an error.
func (s *RedisStore) RevokeAccessSession(ctx context.Context, jti string) error {
	if err := s.client.Del(ctx, s.key(jti)).Err(); err != nil {
		return fmt.Errorf("revoke access session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

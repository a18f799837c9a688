package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	// tokenKey holds the single long-lived app token blob.
	tokenKey = "mindfulhome:auth:app_token"
)

// TokenStore persists the long-lived app token. Get must treat an expired
// token as absent so callers never hand a stale token to the backend.
type TokenStore interface {
	// Get returns the stored token, or "" when none is stored or the
	// stored one has expired.
	Get(ctx context.Context) (string, error)
	// Save stores a token with its expiry.
	Save(ctx context.Context, token string, expiresAt time.Time) error
	// Clear removes any stored token.
	Clear(ctx context.Context) error
}

// storedToken is the persisted token blob.
type storedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// RedisTokenStore implements TokenStore on Redis, one JSON blob under a
// fixed key.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore creates a new Redis-backed token store.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

// Get returns the stored token, clearing and skipping it when expired.
func (r *RedisTokenStore) Get(ctx context.Context) (string, error) {
	data, err := r.client.Get(ctx, tokenKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get app token: %w", err)
	}

	var stored storedToken
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		logrus.Errorf("failed to unmarshal stored token, clearing it: %v", err)
		_ = r.Clear(ctx)
		return "", nil
	}

	if stored.ExpiresAt > 0 && time.Now().UnixMilli() >= stored.ExpiresAt {
		logrus.Info("stored app token expired, clearing it")
		_ = r.Clear(ctx)
		return "", nil
	}

	return stored.Token, nil
}

// Save stores the token with its expiry timestamp.
func (r *RedisTokenStore) Save(ctx context.Context, token string, expiresAt time.Time) error {
	data, err := json.Marshal(storedToken{Token: token, ExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal app token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set app token: %w", err)
	}
	return nil
}

// Clear removes the stored token.
func (r *RedisTokenStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, tokenKey).Err(); err != nil {
		return fmt.Errorf("failed to clear app token: %w", err)
	}
	return nil
}

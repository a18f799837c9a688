package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	summaryKeyPrefix = "mindfulhome:session:summary:"
	resumableKey     = "mindfulhome:session:resumable"
)

// Summary is the persisted record of one completed session.
type Summary struct {
	ID                 string `json:"id"`
	PackageName        string `json:"packageName"`
	StartedAt          int64  `json:"startedAt"`
	EndedAt            int64  `json:"endedAt"`
	DurationMs         int64  `json:"durationMs"`
	OverrunMs          int64  `json:"overrunMs"`
	ClosedOnTime       bool   `json:"closedOnTime"`
	AIExtensionGranted bool   `json:"aiExtensionGranted"`
	KarmaChange        int    `json:"karmaChange"`
}

// Resumable is the saved leftover budget of a session the user closed
// early, offered back on the next open of the same app.
type Resumable struct {
	PackageName      string `json:"packageName"`
	RemainingMinutes int    `json:"remainingMinutes"`
	SavedAt          int64  `json:"savedAt"`
}

// Store persists session summaries and the single resumable-session slot.
type Store interface {
	SaveSummary(ctx context.Context, summary *Summary) error
	ListSummaries(ctx context.Context) ([]*Summary, error)
	SaveResumable(ctx context.Context, resumable *Resumable) error
	// GetResumable returns nil when no resumable session is saved.
	GetResumable(ctx context.Context) (*Resumable, error)
	ClearResumable(ctx context.Context) error
}

// RedisStore implements Store on Redis, JSON blobs per key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveSummary persists a completed session summary.
func (r *RedisStore) SaveSummary(ctx context.Context, summary *Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal session summary: %w", err)
	}

	key := summaryKeyPrefix + summary.ID
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		logrus.Errorf("failed to save session summary %s: %v", summary.ID, err)
		return fmt.Errorf("failed to save session summary: %w", err)
	}
	return nil
}

// ListSummaries returns every persisted summary.
func (r *RedisStore) ListSummaries(ctx context.Context) ([]*Summary, error) {
	var summaries []*Summary

	iter := r.client.Scan(ctx, 0, summaryKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get session summary %s: %w", iter.Val(), err)
		}

		var summary Summary
		if err := json.Unmarshal([]byte(data), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session summary %s: %w", iter.Val(), err)
		}
		summaries = append(summaries, &summary)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session summaries: %w", err)
	}

	return summaries, nil
}

// SaveResumable stores the resumable-session slot, replacing any previous one.
func (r *RedisStore) SaveResumable(ctx context.Context, resumable *Resumable) error {
	data, err := json.Marshal(resumable)
	if err != nil {
		return fmt.Errorf("failed to marshal resumable session: %w", err)
	}

	if err := r.client.Set(ctx, resumableKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save resumable session: %w", err)
	}
	return nil
}

// GetResumable returns the saved resumable session, or nil when none exists.
func (r *RedisStore) GetResumable(ctx context.Context) (*Resumable, error) {
	data, err := r.client.Get(ctx, resumableKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resumable session: %w", err)
	}

	var resumable Resumable
	if err := json.Unmarshal([]byte(data), &resumable); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resumable session: %w", err)
	}
	return &resumable, nil
}

// ClearResumable removes the resumable-session slot.
func (r *RedisStore) ClearResumable(ctx context.Context) error {
	if err := r.client.Del(ctx, resumableKey).Err(); err != nil {
		return fmt.Errorf("failed to clear resumable session: %w", err)
	}
	return nil
}

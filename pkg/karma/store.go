package karma

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	// storeKeyPrefix is the prefix for all karma record keys.
	storeKeyPrefix = "mindfulhome:karma:"
)

// Store is the persistence contract for karma records. Implementations must
// not retry failed writes; retry policy belongs to the caller's collaborator.
type Store interface {
	// Get retrieves the record for an app, returning a fresh zero-score
	// record when none exists yet. The fresh record is not persisted until
	// the first write.
	Get(ctx context.Context, packageName string) (*Record, error)
	// Put persists a record.
	Put(ctx context.Context, record *Record) error
	// List returns every persisted record.
	List(ctx context.Context) ([]*Record, error)
}

// RedisStore implements Store using Redis, one JSON blob per app key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed karma store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// makeKey creates a Redis key for an app.
func makeKey(packageName string) string {
	return fmt.Sprintf("%s%s", storeKeyPrefix, packageName)
}

// Get retrieves the karma record for an app from Redis.
func (r *RedisStore) Get(ctx context.Context, packageName string) (*Record, error) {
	key := makeKey(packageName)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// App hasn't been scored yet, return a fresh record
		logrus.Debugf("no existing karma for %s, returning new record", packageName)
		return NewRecord(packageName), nil
	}
	if err != nil {
		logrus.Errorf("failed to get karma for %s: %v", packageName, err)
		return nil, fmt.Errorf("failed to get karma record: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		logrus.Errorf("failed to unmarshal karma for %s: %v", packageName, err)
		return nil, fmt.Errorf("failed to unmarshal karma record: %w", err)
	}

	return &record, nil
}

// Put persists the karma record for an app in Redis. Karma records never
// expire; an app's history survives until it is forgiven or reset.
func (r *RedisStore) Put(ctx context.Context, record *Record) error {
	key := makeKey(record.PackageName)

	data, err := json.Marshal(record)
	if err != nil {
		logrus.Errorf("failed to marshal karma for %s: %v", record.PackageName, err)
		return fmt.Errorf("failed to marshal karma record: %w", err)
	}

	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		logrus.Errorf("failed to set karma for %s: %v", record.PackageName, err)
		return fmt.Errorf("failed to set karma record: %w", err)
	}

	return nil
}

// List returns every persisted karma record.
func (r *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var records []*Record

	iter := r.client.Scan(ctx, 0, storeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get karma record %s: %w", iter.Val(), err)
		}

		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal karma record %s: %w", iter.Val(), err)
		}
		records = append(records, &record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan karma records: %w", err)
	}

	return records, nil
}

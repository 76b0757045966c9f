package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash that holds all records.
const DefaultRedisKey = "agentrelay:sessions"

// RedisStore keeps records as JSON values in one Redis hash, keyed by
// conversation id.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore uses client and the hash named key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (Record, bool, error) {
	val, err := s.client.HGet(ctx, s.key, conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", conversationID, err)
	}
	return rec, true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, conversationID string, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, conversationID, val).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	return s.client.HDel(ctx, s.key, conversationID).Err()
}

// List implements Store. Undecodable values are skipped.
func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(all))
	for id, val := range all {
		var rec Record
		if json.Unmarshal([]byte(val), &rec) == nil {
			out[id] = rec
		}
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

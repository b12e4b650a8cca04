// Package presence records which sessions are online and announces changes
// on the message broker.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Record is what is stored for an online session.
type Record struct {
	Workspace   string    `json:"workspace"`
	User        string    `json:"user"`
	SessionID   string    `json:"session_id"`
	ServerID    string    `json:"server_id"` // pooler instance holding the connection
	ConnectedAt time.Time `json:"connected_at"`
}

// Store persists presence records.
type Store interface {
	Create(ctx context.Context, record *Record) error
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, workspace, sessionID string) (*Record, error)
	Delete(ctx context.Context, workspace, sessionID string) error
	// RefreshTTL extends the record's lifetime in the store.
	RefreshTTL(ctx context.Context, workspace, sessionID string) error
}

// RedisStore implements Store with one expiring key per session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func recordKey(workspace, sessionID string) string {
	return fmt.Sprintf("presence:%s:%s", workspace, sessionID)
}

func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return s.client.Set(ctx, recordKey(record.Workspace, record.SessionID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, workspace, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(workspace, sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Delete(ctx context.Context, workspace, sessionID string) error {
	return s.client.Del(ctx, recordKey(workspace, sessionID)).Err()
}

func (s *RedisStore) RefreshTTL(ctx context.Context, workspace, sessionID string) error {
	// Expire on a missing key is a no-op.
	return s.client.Expire(ctx, recordKey(workspace, sessionID), s.ttl).Err()
}

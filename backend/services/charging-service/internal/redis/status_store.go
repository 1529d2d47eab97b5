package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

// Store caches the latest status snapshot of each live session.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(sessionID int64) string {
	return fmt.Sprintf("sessions:active:%d", sessionID)
}

// PublishStatus caches update, replacing the previous snapshot.
func (s *Store) PublishStatus(ctx context.Context, update models.StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(update.SessionID), data, s.ttl).Err()
}

// Get returns the cached snapshot.
func (s *Store) Get(ctx context.Context, sessionID int64) (*models.StatusUpdate, error) {
	result, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("cached status for session", sessionID)
	}
	if err != nil {
		return nil, err
	}
	var update models.StatusUpdate
	if err := json.Unmarshal([]byte(result), &update); err != nil {
		return nil, err
	}
	return &update, nil
}

// ClearStatus removes the snapshot.
func (s *Store) ClearStatus(ctx context.Context, sessionID, _ int64) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// OnlineStatus is the redis-side mirror of a user's connection state. It is
// observational: routing decisions always come from the in-memory Registry,
// this store just lets the REST layer answer "last seen" queries.
type OnlineStatus struct {
	UserID    string    `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	SessionID string    `json:"session_id,omitempty"`
}

const (
	statusKeyPrefix  = "presence:"
	onlineSetKey     = "presence:online"
	offlineStatusTTL = 24 * time.Hour
)

// LastSeenStore records online/offline transitions in Redis.
type LastSeenStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewLastSeenStore(client *goredis.Client, ttl time.Duration) *LastSeenStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &LastSeenStore{client: client, ttl: ttl}
}

func (p *LastSeenStore) SetOnline(ctx context.Context, userID uuid.UUID, sessionID string) error {
	status := OnlineStatus{
		UserID:    userID.String(),
		IsOnline:  true,
		LastSeen:  time.Now(),
		SessionID: sessionID,
	}
	data, _ := json.Marshal(status)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, statusKeyPrefix+status.UserID, data, p.ttl)
	pipe.SAdd(ctx, onlineSetKey, status.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

func (p *LastSeenStore) SetOffline(ctx context.Context, userID uuid.UUID) error {
	status := OnlineStatus{
		UserID:   userID.String(),
		IsOnline: false,
		LastSeen: time.Now(),
	}
	data, _ := json.Marshal(status)

	pipe := p.client.Pipeline()
	// Offline status is kept longer so last_seen survives the online TTL.
	pipe.Set(ctx, statusKeyPrefix+status.UserID, data, offlineStatusTTL)
	pipe.SRem(ctx, onlineSetKey, status.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	return nil
}

// IsOnline reports whether the user is currently in the online set.
func (p *LastSeenStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	ok, err := p.client.SIsMember(ctx, onlineSetKey, userID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("check online: %w", err)
	}
	return ok, nil
}

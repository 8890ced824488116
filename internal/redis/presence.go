package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceStore keeps per-user session sets and presence in Redis so every
// instance sees the same view.
// Keys used:
// - <prefix>:conn:<userID>: set of session ids
// - <prefix>:presence:<userID> -> json {status,last_seen}
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type Presence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func NewPresenceStore(r *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: r, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, userID)
}

func (s *PresenceStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

func (s *PresenceStore) writePresence(ctx context.Context, pipe redis.Pipeliner, userID, status string, ttl time.Duration) error {
	b, err := json.Marshal(Presence{Status: status, LastSeen: time.Now().Unix()})
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.presenceKey(userID), b, ttl)
	return nil
}

// AddConnection records a session for userID and marks the user online.
func (s *PresenceStore) AddConnection(ctx context.Context, userID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.connKey(userID), sessionID)
		pipe.Expire(ctx, s.connKey(userID), s.ttl)
		return s.writePresence(ctx, pipe, userID, StatusOnline, s.ttl)
	})
	return err
}

// RemoveConnection drops a session; the user goes offline when no session
// remains on any instance.
func (s *PresenceStore) RemoveConnection(ctx context.Context, userID, sessionID string) error {
	key := s.connKey(userID)
	if err := s.client.SRem(ctx, key, sessionID).Err(); err != nil {
		return err
	}
	cnt, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt > 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.writePresence(ctx, pipe, userID, StatusOffline, 0)
	})
	return err
}

// SetStatus stores a client-reported status such as away or busy.
func (s *PresenceStore) SetStatus(ctx context.Context, userID, status string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.writePresence(ctx, pipe, userID, status, s.ttl)
	})
	return err
}

// Touch extends the TTL of a live user's keys; called on heartbeat.
func (s *PresenceStore) Touch(ctx context.Context, userID string) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.connKey(userID), s.ttl)
		pipe.Expire(ctx, s.presenceKey(userID), s.ttl)
		return nil
	})
	return err
}

// IsOnline reports whether userID holds a session on any instance.
func (s *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, s.connKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PresenceStore) GetPresence(ctx context.Context, userID string) (Presence, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{Status: StatusOffline}, nil
	}
	if err != nil {
		return Presence{}, err
	}
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, err
	}
	return p, nil
}

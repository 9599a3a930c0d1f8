// Package redisstore keeps the refresh-token allow-list in Redis. A token is
// active exactly while its key exists; keys expire with the token.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agrivet.store/internal/auth"
)

// RefreshTokens implements auth.RefreshTokenStore.
type RefreshTokens struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

type record struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Option configures RefreshTokens.
type Option func(*RefreshTokens)

// WithClock overrides the time source used for key TTLs.
func WithClock(fn func() time.Time) Option {
	return func(s *RefreshTokens) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewClient dials Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// New stores keys under prefix.
func New(client redis.Cmdable, prefix string, opts ...Option) *RefreshTokens {
	s := &RefreshTokens{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RefreshTokens) tokenKey(id string) string { return s.prefix + "refresh:" + id }

func (s *RefreshTokens) userKey(userID string) string { return s.prefix + "refresh:user:" + userID }

func (s *RefreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: refresh token %s is already expired", auth.ErrInvalidInput, tok.ID)
	}
	data, err := json.Marshal(record{UserID: tok.UserID, ExpiresAt: tok.ExpiresAt.UTC(), CreatedAt: tok.CreatedAt.UTC()})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.tokenKey(tok.ID), string(data), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrConflict
	}
	userKey := s.userKey(tok.UserID)
	if err := s.client.SAdd(ctx, userKey, tok.ID).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, userKey, ttl).Err()
}

func (s *RefreshTokens) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode refresh token %s: %w", id, err)
	}
	return &auth.RefreshToken{ID: id, UserID: rec.UserID, ExpiresAt: rec.ExpiresAt, CreatedAt: rec.CreatedAt}, nil
}

// Consume deletes the key; only the caller that removed it wins.
func (s *RefreshTokens) Consume(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *RefreshTokens) Revoke(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.tokenKey(id)).Err()
}

func (s *RefreshTokens) RevokeAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.tokenKey(id))
	}
	keys = append(keys, userKey)
	return s.client.Del(ctx, keys...).Err()
}

// DeleteExpired is a no-op: Redis evicts expired keys itself.
func (s *RefreshTokens) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

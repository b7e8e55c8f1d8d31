package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when no session is recorded for the user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps any failure to reach the session store.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// SessionRepository records the single sanctioned token of each user.
type SessionRepository interface {
	// Put overwrites the user's token. The last writer wins.
	Put(ctx context.Context, userID int64, token string, ttl time.Duration) error
	Get(ctx context.Context, userID int64) (string, error)
	// Delete removes the user's token. Deleting a missing record is not an error.
	Delete(ctx context.Context, userID int64) error
}

type sessionRepository struct {
	client redis.Cmdable
	prefix string
}

// NewSessionRepository returns a Redis-backed implementation keyed by prefix+userID.
func NewSessionRepository(client redis.Cmdable, prefix string) SessionRepository {
	return &sessionRepository{client: client, prefix: prefix}
}

// SessionKey returns the Redis key holding userID's token.
func SessionKey(prefix string, userID int64) string {
	return prefix + strconv.FormatInt(userID, 10)
}

func (r *sessionRepository) Put(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	if err := r.client.Set(ctx, SessionKey(r.prefix, userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, userID int64) (string, error) {
	token, err := r.client.Get(ctx, SessionKey(r.prefix, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, nil
}

func (r *sessionRepository) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, SessionKey(r.prefix, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

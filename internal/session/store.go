package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopd/authd/internal/security"
)

var ErrNotFound = errors.New("session not found")

// Session is the server-side record behind the opaque sid cookie. The
// client only ever holds the id; user identity is re-resolved from the
// users table on every request so permission changes apply immediately.
type Session struct {
	ID        string
	UserID    string
	CSRFToken string
	CreatedAt time.Time
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}

	return &Store{rdb: rdb, ttl: ttl}
}

func key(id string) string {
	return "session:" + id
}

// Create persists the session before returning. Callers must not write a
// success response until this returns, otherwise a follow-up request can
// race the save and land anonymous.
func (s *Store) Create(ctx context.Context, userID string) (Session, error) {
	id, err := security.NewToken()

	if err != nil {
		return Session{}, err
	}

	csrf, err := security.NewToken()

	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:        id,
		UserID:    userID,
		CSRFToken: csrf,
		CreatedAt: time.Now().UTC(),
	}

	pipe := s.rdb.TxPipeline()

	pipe.HSet(ctx, key(id), map[string]interface{}{
		"user_id":    sess.UserID,
		"csrf_token": sess.CSRFToken,
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key(id), s.ttl)

	_, err = pipe.Exec(ctx)

	if err != nil {
		return Session{}, err
	}

	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}

	vals, err := s.rdb.HGetAll(ctx, key(id)).Result()

	if err != nil {
		return Session{}, err
	}

	// HGetAll returns an empty map for a missing key
	if len(vals) == 0 || vals["user_id"] == "" {
		return Session{}, ErrNotFound
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])

	return Session{
		ID:        id,
		UserID:    vals["user_id"],
		CSRFToken: vals["csrf_token"],
		CreatedAt: createdAt,
	}, nil
}

// Destroy is idempotent; destroying an unknown session is not an error.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	return s.rdb.Del(ctx, key(id)).Err()
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

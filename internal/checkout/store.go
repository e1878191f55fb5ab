package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConcurrentUpdate is returned when a session kept changing underneath an
// update after every retry.
var ErrConcurrentUpdate = errors.New("checkout: session modified concurrently")

const maxUpdateRetries = 5

// Store persists sessions as JSON in Redis. Every write refreshes the TTL.
type Store struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s Store) key(id string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "checkout:session:"
	}
	return prefix + id
}

func (s Store) ttl() time.Duration {
	if s.TTL <= 0 {
		return 2 * time.Hour
	}
	return s.TTL
}

// Create stores a new session and fails if the id is taken.
func (s Store) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("checkout: encode session: %w", err)
	}
	ok, err := s.R.SetNX(ctx, s.key(sess.ID), data, s.ttl()).Result()
	if err != nil {
		return fmt.Errorf("checkout: create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("checkout: session %s already exists", sess.ID)
	}
	return nil
}

// Get loads the session with id.
func (s Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.R.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkout: load session: %w", err)
	}
	return decodeSession(data)
}

// Update applies fn to the stored session inside an optimistic WATCH
// transaction. When fn fails nothing is written and its error is returned.
func (s Store) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := s.key(id)
	var out *Session
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("checkout: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl())
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.R.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, ErrConcurrentUpdate
}

func decodeSession(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("checkout: decode session: %w", err)
	}
	return &sess, nil
}

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the credential as a JSON document at key. CompareAndSwap
// uses WATCH/MULTI, so it is atomic across processes.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore parses url (redis://host:port/db) and returns a store at key.
func NewRedisStore(url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), key), nil
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Load(ctx context.Context) (Credential, error) {
	return s.get(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, g getter) (Credential, error) {
	raw, err := g.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, ErrNoCredentials
	}
	if err != nil {
		return Credential{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, fmt.Errorf("parse credential at %s: %w", s.key, err)
	}
	return c, c.valid()
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, old, next Credential) (Credential, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return Credential{}, err
	}
	var current Credential
	conflict := false
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx)
		if err != nil {
			return err
		}
		if cur.RefreshToken != old.RefreshToken {
			current, conflict = cur, true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.key, payload, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			// Key changed between WATCH and EXEC; re-read and compare again.
			continue
		}
		if err != nil {
			return Credential{}, err
		}
		if conflict {
			return current, ErrCASConflict
		}
		return next, nil
	}
	return Credential{}, fmt.Errorf("redis compare-and-swap: %w", err)
}

func (s *RedisStore) Save(ctx context.Context, c Credential) error {
	if err := c.valid(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, payload, 0).Err()
}

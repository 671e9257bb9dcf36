package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// RedisStore keeps connections and tokens as JSON values under
// "{prefix}conn:{userID}" and "{prefix}token:{userID}".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stride:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) connKey(userID int64) string {
	return s.prefix + "conn:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) tokenKey(userID int64) string {
	return s.prefix + "token:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) GetConnection(ctx context.Context, userID int64) (*ConnectionRecord, error) {
	var c ConnectionRecord
	if err := getJSON(ctx, s.client, s.connKey(userID), &c); err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) UpsertConnection(ctx context.Context, c *ConnectionRecord) error {
	err := s.update(ctx, s.connKey(c.UserID), true, func(stored *ConnectionRecord) (*ConnectionRecord, error) {
		return applyUpsert(stored, c), nil
	})
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, change StatusChange) error {
	err := s.update(ctx, s.connKey(change.UserID), false, func(c *ConnectionRecord) (*ConnectionRecord, error) {
		applyStatus(c, change)
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}
	return nil
}

// MarkSyncState compares cursors under WATCH so concurrent jobs cannot move
// the cursor backwards.
func (s *RedisStore) MarkSyncState(ctx context.Context, userID int64, st SyncState) error {
	err := s.update(ctx, s.connKey(userID), false, func(c *ConnectionRecord) (*ConnectionRecord, error) {
		applySyncState(c, st)
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("marking sync state: %w", err)
	}
	return nil
}

func (s *RedisStore) GetToken(ctx context.Context, userID int64) (*TokenRecord, error) {
	var t TokenRecord
	if err := getJSON(ctx, s.client, s.tokenKey(userID), &t); err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) PutToken(ctx context.Context, t *TokenRecord) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := s.client.Set(ctx, s.tokenKey(t.UserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteToken(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, s.tokenKey(userID)).Err(); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update runs an optimistic read-modify-write on a connection key. When
// create is false a missing key yields ErrNotFound.
func (s *RedisStore) update(ctx context.Context, key string, create bool, fn func(*ConnectionRecord) (*ConnectionRecord, error)) error {
	txf := func(tx *redis.Tx) error {
		var current *ConnectionRecord
		var c ConnectionRecord
		err := getJSON(ctx, tx, key, &c)
		switch {
		case err == nil:
			current = &c
		case errors.Is(err, ErrNotFound) && create:
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding connection: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s: too much contention", key)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, c stringGetter, key string, dst any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

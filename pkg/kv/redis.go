package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// updateRetries bounds the optimistic-transaction retry loop in Update.
const updateRetries = 16

// Redis implements Store on a redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the redis server at url (a redis:// URL) and pings it
// to verify the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return value, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update of %q contended %d times: %w", key, updateRetries, redis.TxFailedErr)
}

func (r *Redis) HGet(ctx context.Context, hash, field string) ([]byte, error) {
	value, err := r.client.HGet(ctx, hash, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%q/%q: %w", hash, field, ErrNotFound)
	}
	return value, err
}

func (r *Redis) HSet(ctx context.Context, hash, field string, value []byte) error {
	return r.client.HSet(ctx, hash, field, value).Err()
}

func (r *Redis) HDelete(ctx context.Context, hash, field string) error {
	return r.client.HDel(ctx, hash, field).Err()
}

func (r *Redis) HExists(ctx context.Context, hash, field string) (bool, error) {
	return r.client.HExists(ctx, hash, field).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

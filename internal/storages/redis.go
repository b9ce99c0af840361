package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{
		client: client,
	}
}

// NewRedisKVFromURL parses a redis:// URL and checks the connection.
func NewRedisKVFromURL(ctx context.Context, redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisKV(client), nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	ok, err := r.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) Begin(ctx context.Context) (Tx, error) {
	return newBufferedTx(ctx, r, r), nil
}

// applyBatch runs the writes in MULTI/EXEC, watching keys that must stay absent.
func (r *RedisKV) applyBatch(ctx context.Context, writes []write) error {
	var watched []string
	for _, w := range writes {
		if w.kind == writePutIfAbsent {
			watched = append(watched, w.key)
		}
	}

	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, key := range watched {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrKeyExists
			}
		}

		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, w := range writes {
				switch w.kind {
				case writePut, writePutIfAbsent:
					p.Set(ctx, w.key, w.value, 0)
				case writeDelete:
					p.Del(ctx, w.key)
				}
			}
			return nil
		})
		return err
	}, watched...)
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

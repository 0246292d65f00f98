// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package store

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// Redis stores the records in a Redis server shared by several processes.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis server. Keys are prefixed with `prefix`
// when not empty.
func NewRedis(ctx context.Context, opt *redis.Options, prefix string) (*Redis, error) {
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not connect to the redis server")
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	buf, err := r.client.Get(ctx, r.key(key)).Bytes()
	switch {
	case err == redis.Nil:
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable(err, "load", key)
	default:
		return buf, nil
	}
}

func (r *Redis) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return unavailable(err, "save", key)
	}
	return nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not close the redis client")
	}
	return nil
}

// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package store persists the usage records of the virtual hosts and users
// so that they survive restarts. Records are opaque fixed-size values
// identified by their scoreboard key.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// ErrNotFound is returned by Load when the key has no value.
var ErrNotFound = errors.New("usage record not found")

// Store is a key-value store of usage records. Implementations are safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

// Kind is the kind of store.
type Kind string

const (
	KindNone    Kind = "none"
	KindMemory  Kind = "memory"
	KindFile    Kind = "file"
	KindRedis   Kind = "redis"
	KindLevelDB Kind = "leveldb"
)

// Options of the store to open.
type Options struct {
	Kind Kind
	// Directory of the file store, or database directory of the LevelDB
	// store.
	Path        string
	RedisAddr   string
	RedisPrefix string
}

// Open returns the store of the options. It returns a nil store when the
// kind is KindNone or empty.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindNone, "":
		return nil, nil
	case KindMemory:
		return NewMemory(), nil
	case KindFile:
		return NewFile(opts.Path)
	case KindRedis:
		return NewRedis(ctx, &redis.Options{Addr: opts.RedisAddr}, opts.RedisPrefix)
	case KindLevelDB:
		return NewLevelDB(opts.Path)
	default:
		return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "unknown store kind `%s`", opts.Kind)
	}
}

// unavailable returns the error of a failed store operation on the key. Its
// sampling key is the operation so that a failing store is not logged for
// every record.
func unavailable(err error, op, key string) error {
	err = sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not %s usage record `%s`", op, key)
	return sqerrors.WithKey(err, fmt.Sprintf("store:%s", op))
}

// LoadRecord loads and decodes the usage record of the key.
func LoadRecord(ctx context.Context, s Store, key string) (r quota.Record, err error) {
	buf, err := s.Load(ctx, key)
	if err != nil {
		return r, err
	}
	if err := r.UnmarshalBinary(buf); err != nil {
		return r, sqerrors.WithKey(sqerrors.Wrapf(err, "usage record `%s`", key), "store:decode")
	}
	return r, nil
}

// SaveRecord encodes and saves the usage record of the key.
func SaveRecord(ctx context.Context, s Store, key string, r quota.Record) error {
	buf, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return s.Save(ctx, key, buf)
}

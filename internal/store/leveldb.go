// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package store

import (
	"context"
	"errors"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbStorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDB stores the records in a local LevelDB database.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens or creates the database of the directory.
func NewLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "missing leveldb store directory")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not open the leveldb store")
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDBWithStorage opens the database of the given LevelDB storage,
// such as leveldbStorage.NewMemStorage().
func NewLevelDBWithStorage(str leveldbStorage.Storage) (*LevelDB, error) {
	db, err := leveldb.Open(str, nil)
	if err != nil {
		return nil, sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not open the leveldb store")
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "load", key)
	}
	switch buf, err := l.db.Get([]byte(key), nil); {
	case err == nil:
		return buf, nil
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, unavailable(err, "load", key)
	}
}

func (l *LevelDB) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "save", key)
	}
	if err := l.db.Put([]byte(key), value, nil); err != nil {
		return unavailable(err, "save", key)
	}
	return nil
}

func (l *LevelDB) Close() error {
	switch err := l.db.Close(); {
	case err == nil, errors.Is(err, leveldb.ErrClosed):
		return nil
	default:
		return sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not close the leveldb store")
	}
}

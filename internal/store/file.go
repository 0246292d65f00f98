// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// File stores every record in its own file of a directory, named after its
// key. Files are replaced atomically.
type File struct {
	dir string
}

// NewFile returns the file store of the directory, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "missing file store directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sqerrors.WrapKind(err, sqerrors.PersistenceUnavailable, "could not create the file store directory")
	}
	return &File{dir: dir}, nil
}

func (f *File) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key {
		return "", sqerrors.NewKind(sqerrors.InvalidFormat, "invalid usage record file name `%s`", key)
	}
	return filepath.Join(f.dir, key), nil
}

func (f *File) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "load", key)
	}
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	buf, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable(err, "load", key)
	default:
		return buf, nil
	}
}

func (f *File) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "save", key)
	}
	path, err := f.path(key)
	if err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(f.dir, "."+key+".*")
	if err != nil {
		return unavailable(err, "save", key)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return unavailable(err, "save", key)
	}
	if err := tmp.Close(); err != nil {
		return unavailable(err, "save", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return unavailable(err, "save", key)
	}
	return nil
}

func (f *File) Close() error { return nil }

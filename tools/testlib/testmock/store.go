// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testmock

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// StoreMockup of a usage record store.
type StoreMockup struct {
	mock.Mock
}

func (s *StoreMockup) Load(ctx context.Context, key string) ([]byte, error) {
	ret := s.Called(ctx, key)
	buf, _ := ret.Get(0).([]byte)
	return buf, ret.Error(1)
}

func (s *StoreMockup) Save(ctx context.Context, key string, value []byte) error {
	return s.Called(ctx, key, value).Error(0)
}

func (s *StoreMockup) Close() error {
	return s.Called().Error(0)
}

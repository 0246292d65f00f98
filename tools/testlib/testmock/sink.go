// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testmock

import "github.com/stretchr/testify/mock"

// SinkMockup of the peer a throttled stream delivers to.
type SinkMockup struct {
	mock.Mock
}

func (s *SinkMockup) Deliver(p []byte) (int, error) {
	ret := s.Called(p)
	return ret.Int(0), ret.Error(1)
}

func (s *SinkMockup) IsAborted() bool {
	return s.Called().Bool(0)
}

// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

//go:build !sqassert
// +build !sqassert

// Package sqassert checks the internal invariants of the data structures,
// such as the links of the prefix trie nodes, when built with the
// `sqassert` tag. Without the tag, the checks compile to empty functions.
package sqassert

// True checks the condition holds.
func True(bool) {}

// False checks the condition does not hold.
func False(bool) {}

// NoError checks the error is nil.
func NoError(error) {}

// NotNil checks none of the values is nil.
func NotNil(...interface{}) {}

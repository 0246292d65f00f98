// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package squnsafe

import (
	"reflect"
	"unsafe"
)

// StringToBytes returns the bytes of the given string without copying them.
// The empty string returns a nil slice. The returned slice shares the string
// memory and must never be modified, which is the case of the radix tree keys
// of the entity registry.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	data := (*reflect.StringHeader)(unsafe.Pointer(&s)).Data
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), len(s))
}

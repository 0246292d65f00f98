// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testlib

import (
	"math/rand"
	"net"
)

func RandString(size ...int) string {
	letterRunes := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

	b := make([]rune, randSize(size...))
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

// RandPrintableUSASCIIString returns a random string of printable US-ASCII
// characters, excluding the space.
func RandPrintableUSASCIIString(size ...int) string {
	b := make([]byte, randSize(size...))
	for i := range b {
		b[i] = byte('!' + rand.Intn('~'-'!'+1))
	}
	return string(b)
}

// RandUTF8String returns a random string of printable UTF-8 characters.
func RandUTF8String(size ...int) string {
	if len(size) == 0 {
		size = []int{1, 50}
	}
	b := make([]rune, randSize(size...))
	for i := range b {
		// Latin-1 supplement and latin extended letters
		b[i] = rune(0xC0 + rand.Intn(0x17F-0xC0))
	}
	return string(b)
}

func randSize(size ...int) int {
	if len(size) == 1 {
		return size[0]
	}
	return size[0] + rand.Intn(size[1]-size[0])
}

func RandUint32(boundaries ...uint32) uint32 {
	rand := rand.Uint32()

	switch len(boundaries) {
	case 0:
		return rand

	case 1:
		// At least
		return boundaries[0] + rand

	case 2:
		// Between boundaries
		min := boundaries[0]
		max := boundaries[1]
		return min + (rand % (max - min))

	default:
		panic("unexpected arguments")
	}
}

// RandIPv4 returns a random IPv4 address.
func RandIPv4() net.IP {
	return uint32ToIPv4(RandUint32())
}

// RandIPv4s returns n distinct random IPv4 addresses.
func RandIPv4s(n int) []net.IP {
	seen := make(map[uint32]struct{}, n)
	ips := make([]net.IP, 0, n)
	for len(ips) < n {
		v := RandUint32()
		if _, exists := seen[v]; exists {
			continue
		}
		seen[v] = struct{}{}
		ips = append(ips, uint32ToIPv4(v))
	}
	return ips
}

func uint32ToIPv4(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

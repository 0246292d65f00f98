// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package patricia

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// Family is the address family of a prefix.
type Family uint8

const (
	V4 Family = iota + 1
	V6
)

// MaxBits returns the number of bits of the addresses of the family.
func (f Family) MaxBits() int {
	switch f {
	case V4:
		return net.IPv4len * 8
	case V6:
		return net.IPv6len * 8
	default:
		return 0
	}
}

func (f Family) len() int { return f.MaxBits() / 8 }

func (f Family) String() string {
	switch f {
	case V4:
		return "ipv4"
	case V6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Prefix is a network address and its number of significant bits. The
// address bytes beyond the family length are always zero.
//
// A Prefix is a plain value. Trees keep their own copy of the inserted
// prefixes while lookup keys are only borrowed for the duration of the call.
type Prefix struct {
	Family Family
	Bitlen int
	Addr   [net.IPv6len]byte
}

// MakePrefix returns the prefix of the given family, address bytes and bit
// length. The address must have the length of the family and the bit length
// must be in [0, family max bits].
func MakePrefix(family Family, addr []byte, bitlen int) (Prefix, error) {
	if family != V4 && family != V6 {
		return Prefix{}, sqerrors.NewKind(sqerrors.InvalidFormat, "unexpected address family `%d`", family)
	}
	if len(addr) != family.len() {
		return Prefix{}, sqerrors.NewKind(sqerrors.InvalidFormat, "unexpected %s address length `%d`", family, len(addr))
	}
	if bitlen < 0 || bitlen > family.MaxBits() {
		return Prefix{}, sqerrors.NewKind(sqerrors.InvalidFormat, "unexpected %s prefix length `%d`", family, bitlen)
	}
	p := Prefix{Family: family, Bitlen: bitlen}
	copy(p.Addr[:], addr)
	return p, nil
}

// PrefixFromIP returns the host prefix (/32 or /128) of the given address.
func PrefixFromIP(ip net.IP) (Prefix, error) {
	if ip4 := ip.To4(); ip4 != nil {
		return MakePrefix(V4, ip4, V4.MaxBits())
	}
	if len(ip) == net.IPv6len {
		return MakePrefix(V6, ip, V6.MaxBits())
	}
	return Prefix{}, sqerrors.NewKind(sqerrors.InvalidFormat, "unexpected ip address `%v`", ip)
}

// ParsePrefix parses the textual form of a prefix. IPv4 prefixes are dotted
// quads of 1 to 4 octets, such as `10/8` or `192.168/16`. IPv6 prefixes are
// recognized by their colon. The prefix length is optional and defaults to
// the family max bits, which is also used when it is out of range.
func ParsePrefix(s string) (Prefix, error) {
	s = strings.TrimSpace(s)
	addr, bits := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		addr, bits = s[:i], s[i+1:]
	}

	var (
		p   Prefix
		err error
	)
	if strings.IndexByte(addr, ':') >= 0 {
		ip := net.ParseIP(addr)
		if ip == nil {
			return Prefix{}, sqerrors.NewKind(sqerrors.InvalidFormat, "invalid ipv6 address `%s`", addr)
		}
		p, err = MakePrefix(V6, ip.To16(), V6.MaxBits())
	} else {
		var b []byte
		b, err = parseDottedQuad(addr)
		if err != nil {
			return Prefix{}, err
		}
		p, err = MakePrefix(V4, b, V4.MaxBits())
	}
	if err != nil {
		return Prefix{}, err
	}

	if bits != "" {
		bitlen, err := strconv.Atoi(bits)
		if err != nil {
			return Prefix{}, sqerrors.WrapKind(err, sqerrors.InvalidFormat, "invalid prefix length `%s`", bits)
		}
		if bitlen >= 0 && bitlen <= p.Family.MaxBits() {
			p.Bitlen = bitlen
		}
	}
	return p, nil
}

// MustParsePrefix is like ParsePrefix but panics on error.
func MustParsePrefix(s string) Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// parseDottedQuad parses 1 to 4 decimal octets. Missing trailing octets are
// zero.
func parseDottedQuad(s string) ([]byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) > net.IPv4len {
		return nil, sqerrors.NewKind(sqerrors.InvalidFormat, "invalid ipv4 address `%s`", s)
	}
	b := make([]byte, net.IPv4len)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return nil, sqerrors.WrapKind(err, sqerrors.InvalidFormat, "invalid ipv4 address `%s`", s)
		}
		b[i] = byte(v)
	}
	return b, nil
}

// IP returns the address of the prefix.
func (p Prefix) IP() net.IP {
	ip := make(net.IP, p.Family.len())
	copy(ip, p.Addr[:])
	return ip
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.IP(), p.Bitlen)
}

// Contains returns true when the first Bitlen bits of `p` are equal to the
// ones of `key` and `p` is not more specific than `key`.
func (p Prefix) Contains(key *Prefix) bool {
	return p.Family == key.Family && p.Bitlen <= key.Bitlen && compWithMask(&p.Addr, &key.Addr, p.Bitlen)
}

// compWithMask returns true when the first `mask` bits of both addresses are
// equal.
func compWithMask(a, b *[net.IPv6len]byte, mask int) bool {
	n := mask / 8
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if rem := mask % 8; rem != 0 {
		m := byte(0xff) << (8 - rem)
		return a[n]&m == b[n]&m
	}
	return true
}

func bitTest(addr *[net.IPv6len]byte, bit int) bool {
	return addr[bit>>3]&(0x80>>(uint(bit)&7)) != 0
}

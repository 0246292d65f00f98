// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package clientip resolves the address of the client of an HTTP request
// behind proxies. The remote client table and the destination classes are
// keyed by this address rather than by the address of the last proxy.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sqreen/go-cband/internal/config"
)

// Resolver resolves client addresses by first looking at the prioritized
// header, when set, and then at the well-known forwarding headers.
type Resolver struct {
	// Header is the prioritized header.
	Header string
	// Format of the prioritized header value. Only the HAProxy unique ID
	// format is supported. The value is used as is when empty.
	Format string
}

// NewResolver returns the resolver of the given configuration.
func NewResolver(cfg *config.Config) Resolver {
	return Resolver{
		Header: cfg.HTTPClientIPHeader(),
		Format: cfg.HTTPClientIPHeaderFormat(),
	}
}

// Resolve returns the client address of the request, or nil when none could
// be found.
func (r Resolver) Resolve(req *http.Request) net.IP {
	return ClientIP(req.RemoteAddr, req.Header, r.Header, r.Format)
}

// ClientIP returns the address the request is accounted to. The prioritized
// header wins over the forwarding headers, which win over the remote
// address. A global address is preferred to a private one found earlier, so
// that clients behind a private proxy chain still get their own remote
// client slot. Loopback addresses of the headers are ignored.
func ClientIP(remoteAddr string, headers http.Header, prioritizedIPHeader string, prioritizedIPHeaderFormat string) net.IP {
	var s addrScan

	if prioritizedIPHeader != "" {
		value := headers.Get(prioritizedIPHeader)
		if value != "" && prioritizedIPHeaderFormat != "" {
			parsed, err := parseClientIPHeaderValue(prioritizedIPHeaderFormat, value)
			if err != nil {
				// Ignored when malformed or of an unsupported format.
				parsed = ""
			}
			value = parsed
		}
		if ip := s.global(value); ip != nil {
			return ip
		}
	}

	for _, key := range config.IPRelatedHTTPHeaders {
		if ip := s.global(headers.Get(key)); ip != nil {
			return ip
		}
	}

	host, _ := splitHostPort(remoteAddr)
	if host == "" {
		return s.private
	}
	if ip := net.ParseIP(host); ip != nil && (s.private == nil || isGlobal(ip)) {
		return ip
	}
	return s.private
}

// addrScan remembers the first private address met while looking for a
// global one in the header values.
type addrScan struct {
	private net.IP
}

// global returns the first global address of the comma-separated list of
// addresses. The scan of the list stops at the first malformed address.
func (s *addrScan) global(list string) net.IP {
	if list == "" {
		return nil
	}
	for _, field := range strings.Split(list, ",") {
		host, _ := splitHostPort(strings.Trim(field, " "))
		ip := net.ParseIP(host)
		switch {
		case ip == nil:
			return nil
		case isGlobal(ip):
			return ip
		case s.private == nil && !ip.IsLoopback() && isPrivate(ip):
			s.private = ip
		}
	}
	return nil
}

// IsGlobal returns true when the address can identify a client on its own:
// it is neither private nor in the carrier-grade shared address space.
func IsGlobal(ip net.IP) bool {
	return isGlobal(ip)
}

func isGlobal(ip net.IP) bool {
	if ipv4 := ip.To4(); ipv4 != nil && config.IPv4PublicNetwork.Contains(ipv4) {
		return false
	}
	return !isPrivate(ip)
}

func isPrivate(ip net.IP) bool {
	networks := config.IPv6PrivateNetworks
	// IPv4 addresses may be in their 16-byte form.
	if ip.To4() != nil {
		networks = config.IPv4PrivateNetworks
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// splitHostPort splits `host:port` and `[host]:port` addresses. Unlike
// net.SplitHostPort, addresses without port are returned as the host, which
// is what forwarding headers usually carry.
func splitHostPort(addr string) (host string, port string) {
	i := strings.LastIndex(addr, "]:")
	if i != -1 {
		// ipv6
		return strings.Trim(addr[:i+1], "[]"), addr[i+2:]
	}

	i = strings.LastIndex(addr, ":")
	if i == -1 || strings.Count(addr, ":") > 1 {
		// not an address with a port number, or an ipv6 address without
		// brackets
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

func parseClientIPHeaderValue(format, value string) (string, error) {
	if format != config.ClientIPHeaderFormatHAProxy {
		return "", errors.Errorf("unsupported client IP header format `%s`", format)
	}

	// Unique IDs built with `%{+X}o %ci:%cp...` start with the hexadecimal
	// client address, such as 7F000001, followed by `:` and the client port.
	sep := strings.IndexRune(value, ':')
	if sep == -1 {
		return "", errors.Errorf("unexpected IP address value `%s`", value)
	}

	clientIPHexStr := value[:sep]
	clientIPBuf := make([]byte, 0, net.IPv4len)
	_, err := fmt.Sscanf(clientIPHexStr, "%x", &clientIPBuf)
	if err != nil {
		return "", errors.Wrap(err, "could not parse the IP address value")
	}

	switch len(clientIPBuf) {
	case net.IPv4len, net.IPv6len:
		return net.IP(clientIPBuf).String(), nil
	default:
		return "", errors.Errorf("unexpected IP address value `%x`", clientIPBuf)
	}
}

// Package acl restricts which peers a source listener accepts traffic from.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// List is a set of CIDR prefixes. An empty List allows every peer.
type List struct {
	prefixes []netip.Prefix
}

// New parses a comma-separated list of CIDR blocks.
func New(cidrs string) (*List, error) {
	if strings.TrimSpace(cidrs) == "" {
		return &List{}, nil
	}

	var prefixes []netip.Prefix
	for _, part := range strings.Split(cidrs, ",") {
		p, err := netip.ParsePrefix(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", strings.TrimSpace(part), err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return &List{prefixes: prefixes}, nil
}

// Empty reports whether the list has no prefixes and therefore allows everything.
func (l *List) Empty() bool {
	return l == nil || len(l.prefixes) == 0
}

// Allows checks if the given IP address is allowed by this list.
func (l *List) Allows(ip netip.Addr) bool {
	if l.Empty() {
		return true
	}

	ip = ip.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowsAddr checks the IP part of a UDP or TCP peer address.
// Addresses of any other kind are rejected unless the list is empty.
func (l *List) AllowsAddr(addr net.Addr) bool {
	if l.Empty() {
		return true
	}

	switch a := addr.(type) {
	case *net.UDPAddr:
		return l.Allows(a.AddrPort().Addr())
	case *net.TCPAddr:
		return l.Allows(a.AddrPort().Addr())
	}
	return false
}

// String returns the prefixes in their canonical comma-separated form.
func (l *List) String() string {
	if l.Empty() {
		return ""
	}
	parts := make([]string, len(l.prefixes))
	for i, p := range l.prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

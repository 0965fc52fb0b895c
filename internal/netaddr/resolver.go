package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// Family is an IP address family.
type Family int

const (
	// FamilyAny means no family was requested.
	FamilyAny Family = iota
	// FamilyIPv4 is IPv4.
	FamilyIPv4
	// FamilyIPv6 is IPv6.
	FamilyIPv6
)

// String returns "ipv4", "ipv6" or "any".
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// Network returns the dial network for the family ("tcp4", "tcp6" or "tcp").
func (f Family) Network() string {
	switch f {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyAny
	case addr.Unmap().Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

var (
	// ErrNoAddress is returned when a hostname has no address in the required family.
	ErrNoAddress = errors.New("no address for requested family")

	// ErrFamilyMismatch is returned when a literal destination cannot be reached
	// in the family pinned by the local address.
	ErrFamilyMismatch = errors.New("destination address family does not match local address")
)

// ParseLocalAddress parses a local address literal such as "127.0.0.2", "::1"
// or "[::1]". An empty string yields the zero Addr and FamilyAny. IPv4-mapped
// IPv6 literals are unmapped so that the socket is bound as IPv4.
func ParseLocalAddress(s string) (netip.Addr, Family, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, FamilyAny, nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, FamilyAny, fmt.Errorf("invalid local address %q: %w", s, err)
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr, FamilyOf(addr), nil
}

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver implements the destination address policy. The zero value is
// usable and resolves through net.DefaultResolver.
type Resolver struct {
	// Lookup resolves non-loopback hostnames. Defaults to net.DefaultResolver.
	Lookup LookupFunc

	// IPv4Loopback reports whether the IPv4 loopback is usable. Defaults to
	// the cached process-wide probe.
	IPv4Loopback func() bool
}

// NewResolver returns a Resolver using the system resolver and loopback probe.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveDestination returns the address to dial for host when the outgoing
// socket is restricted to hint. The result depends only on host, hint, the
// loopback probe and the lookup result set, never on lookup ordering.
func (r *Resolver) ResolveDestination(ctx context.Context, host string, hint Family) (netip.Addr, Family, error) {
	host = strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), ".")
	if host == "" {
		return netip.Addr{}, FamilyAny, errors.New("empty destination host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return literal(addr, hint)
	}

	if IsLoopbackName(host) {
		return r.loopback(hint)
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = systemLookup
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, FamilyAny, fmt.Errorf("lookup %s: %w", host, err)
	}
	return choose(host, addrs, hint)
}

func (r *Resolver) loopback(hint Family) (netip.Addr, Family, error) {
	switch hint {
	case FamilyIPv4:
		return IPv4Loopback, FamilyIPv4, nil
	case FamilyIPv6:
		return IPv6Loopback, FamilyIPv6, nil
	}

	available := r.IPv4Loopback
	if available == nil {
		available = IsIPv4LoopbackAvailable
	}
	if available() {
		return IPv4Loopback, FamilyIPv4, nil
	}
	return IPv6Loopback, FamilyIPv6, nil
}

// Loopback addresses.
var (
	IPv4Loopback = netip.MustParseAddr("127.0.0.1")
	IPv6Loopback = netip.IPv6Loopback()
)

// IsLoopbackName reports whether host names the local machine and is
// therefore ambiguous between 127.0.0.1 and ::1.
func IsLoopbackName(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

func literal(addr netip.Addr, hint Family) (netip.Addr, Family, error) {
	addr = addr.WithZone("")
	unmapped := addr.Unmap()

	switch hint {
	case FamilyIPv4:
		if unmapped.Is4() {
			return unmapped, FamilyIPv4, nil
		}
	case FamilyIPv6:
		if addr.Is6() && !addr.Is4In6() {
			return addr, FamilyIPv6, nil
		}
	default:
		return unmapped, FamilyOf(unmapped), nil
	}
	return netip.Addr{}, FamilyAny, fmt.Errorf("%s over %s: %w", addr, hint, ErrFamilyMismatch)
}

func choose(host string, addrs []netip.Addr, hint Family) (netip.Addr, Family, error) {
	var v4, v6 []netip.Addr
	for _, a := range addrs {
		a = a.WithZone("")
		if a.Unmap().Is4() {
			v4 = append(v4, a.Unmap())
		} else if a.Is6() {
			v6 = append(v6, a)
		}
	}
	slices.SortFunc(v4, netip.Addr.Compare)
	slices.SortFunc(v6, netip.Addr.Compare)

	switch {
	case hint == FamilyIPv4 && len(v4) > 0:
		return v4[0], FamilyIPv4, nil
	case hint == FamilyIPv6 && len(v6) > 0:
		return v6[0], FamilyIPv6, nil
	case hint == FamilyAny && len(v4) > 0:
		return v4[0], FamilyIPv4, nil
	case hint == FamilyAny && len(v6) > 0:
		return v6[0], FamilyIPv6, nil
	}
	return netip.Addr{}, FamilyAny, fmt.Errorf("%s (%s): %w", host, hint, ErrNoAddress)
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

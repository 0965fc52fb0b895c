package netaddr

import (
	"net"
	"net/netip"
	"sync"
)

var (
	ipv4Once      sync.Once
	ipv4Available bool

	ipv6Once      sync.Once
	ipv6Available bool
)

// IsIPv4LoopbackAvailable reports whether a listener can be bound on
// 127.0.0.1. The probe runs once per process.
func IsIPv4LoopbackAvailable() bool {
	ipv4Once.Do(func() {
		ipv4Available = canListen("tcp4", IPv4Loopback)
	})
	return ipv4Available
}

// IsIPv6LoopbackAvailable reports whether a listener can be bound on ::1.
// The probe runs once per process.
func IsIPv6LoopbackAvailable() bool {
	ipv6Once.Do(func() {
		ipv6Available = canListen("tcp6", IPv6Loopback)
	})
	return ipv6Available
}

// IsAssignable reports whether addr can be used as a local address on this
// host. Unlike the loopback probes the result is not cached.
func IsAssignable(addr netip.Addr) bool {
	return canListen(FamilyOf(addr).Network(), addr)
}

func canListen(network string, addr netip.Addr) bool {
	l, err := net.Listen(network, netip.AddrPortFrom(addr, 0).String())
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

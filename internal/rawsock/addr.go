// Package rawsock provides the non-blocking, raw-fd socket primitives the
// dispatcher needs: listener setup with the spec's exact socket options,
// accept/connect/read/write/recvfrom/sendto on plain file descriptors (never
// wrapped in net.Conn, so the dispatcher's poll loop is the only blocking
// wait in the process), and retrieval of the kernel's pre-NAT original
// destination for transparent-proxy mode.
package rawsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family selects which socket family a listener binds.
type Family int

const (
	// Unspecified means "wildcard" — bind dual-stack, accepting both IPv4
	// and IPv6 traffic on a single IPv6 socket with IPV6_V6ONLY disabled.
	Unspecified Family = iota
	IPv4
	IPv6
)

// Addr is a minimal (IP, port) pair independent of net.Addr's TCP/UDP split,
// since the same type names client return addresses, resolved targets, and
// kernel-reported original destinations alike.
type Addr struct {
	IP   net.IP
	Port int
}

func (a *Addr) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Family reports which socket family this address belongs to.
func (a *Addr) Family() Family {
	if a.IP == nil || a.IP.Equal(net.IPv4zero) || a.IP.Equal(net.IPv6unspecified) {
		return Unspecified
	}
	if a.IP.To4() != nil {
		return IPv4
	}
	return IPv6
}

func (a *Addr) sockaddr(fam Family) (unix.Sockaddr, error) {
	switch fam {
	case IPv4:
		sa := &unix.SockaddrInet4{Port: a.Port}
		ip := a.IP.To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	case IPv6:
		sa := &unix.SockaddrInet6{Port: a.Port}
		ip := a.IP.To16()
		if ip == nil {
			ip = net.IPv6unspecified
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	default:
		return nil, fmt.Errorf("rawsock: cannot build sockaddr for unspecified family")
	}
}

func sockaddrToAddr(sa unix.Sockaddr) (*Addr, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &Addr{IP: ip, Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &Addr{IP: ip, Port: sa.Port}, nil
	default:
		return nil, fmt.Errorf("rawsock: unsupported sockaddr type %T", sa)
	}
}

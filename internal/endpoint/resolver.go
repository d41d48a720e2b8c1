// Package endpoint resolves the remote forwarding target for netsed,
// implementing the four fixed/transparent combinations from spec §4.C.
package endpoint

import (
	"fmt"
	"net"

	"github.com/sedproxy/netsed/internal/rawsock"
)

// Target is the resolved remote endpoint configuration. Host and Port are
// independently "unset" (nil / 0) when the caller asked for transparent
// resolution of that component via the "0" literal on the command line.
type Target struct {
	Host net.IP
	Port int
}

// Transparent reports whether any component of the target must be resolved
// per-connection from the kernel's original-destination record.
func (t Target) Transparent() bool { return t.Host == nil || t.Port == 0 }

// Family reports the socket family the listener should bind: the family of
// a fixed host, or Unspecified (dual-stack) when the host is transparent.
func (t Target) Family() rawsock.Family {
	if t.Host == nil {
		return rawsock.Unspecified
	}
	if t.Host.To4() != nil {
		return rawsock.IPv4
	}
	return rawsock.IPv6
}

// Resolve implements §4.C: hostArg/portArg literal "0" means "derive from
// the original destination"; otherwise hostArg is resolved to a candidate
// address list and the first candidate that is not the wildcard address is
// kept, alongside the (already-parsed) port.
func Resolve(hostArg string, port int) (Target, error) {
	if hostArg == "0" {
		return Target{Port: port}, nil
	}

	ips, err := net.LookupIP(hostArg)
	if err != nil {
		return Target{}, fmt.Errorf("endpoint: resolve host %q: %w", hostArg, err)
	}

	var chosen net.IP
	for _, ip := range ips {
		if ip.IsUnspecified() {
			continue
		}
		chosen = ip
		break
	}
	if chosen == nil {
		return Target{}, fmt.Errorf("endpoint: host %q resolved only to wildcard addresses", hostArg)
	}

	return Target{Host: chosen, Port: port}, nil
}

// ForwardAddr computes the actual per-connection forwarding destination: the
// fixed target when both components are set, otherwise the original
// destination retrieved from conn with any fixed component overriding it.
func (t Target) ForwardAddr(conn *rawsock.Conn) (*rawsock.Addr, error) {
	if !t.Transparent() {
		return &rawsock.Addr{IP: t.Host, Port: t.Port}, nil
	}

	orig, err := conn.OriginalDst()
	if err != nil {
		return nil, fmt.Errorf("endpoint: retrieve original destination: %w", err)
	}
	addr := &rawsock.Addr{IP: orig.IP, Port: orig.Port}
	if t.Host != nil {
		addr.IP = t.Host
	}
	if t.Port != 0 {
		addr.Port = t.Port
	}
	return addr, nil
}

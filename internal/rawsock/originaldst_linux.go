//go:build linux

package rawsock

import (
	"encoding/binary"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST (IPv4) and IP6T_SO_ORIGINAL_DST (IPv6) are netfilter
// nat-table getsockopt numbers. They have no wrapper in golang.org/x/sys/unix
// because they are iptables/ip6tables specific, not generic socket options;
// the numeric values below are the stable ABI exposed by
// linux/netfilter_ipv4.h and linux/netfilter_ipv6/ip6_tables.h.
const (
	soOriginalDst    = 80
	ip6tOriginalDst  = 80
	solIPv4Netfilter = unix.SOL_IP
	solIPv6Netfilter = unix.SOL_IPV6
)

// OriginalDst retrieves the kernel-recorded pre-NAT destination of an
// accepted connection, as installed by an iptables/nftables REDIRECT rule —
// the netfilter-style transparent-proxy path described in §4.C. On a kernel
// or socket without the option set (no REDIRECT matched), it falls back to
// the local socket name, the documented pre-2.4 Linux convention.
func (c *Conn) OriginalDst() (*Addr, error) {
	if c.Family == IPv6 {
		var raw unix.RawSockaddrInet6
		size := uint32(unsafe.Sizeof(raw))
		if !getsockopt(c.FD, solIPv6Netfilter, ip6tOriginalDst, unsafe.Pointer(&raw), &size) {
			return c.LocalAddr()
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, raw.Addr[:])
		return &Addr{IP: ip, Port: int(binary.BigEndian.Uint16(rawPortBytes(&raw.Port)))}, nil
	}

	var raw unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(raw))
	if !getsockopt(c.FD, solIPv4Netfilter, soOriginalDst, unsafe.Pointer(&raw), &size) {
		return c.LocalAddr()
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, raw.Addr[:])
	return &Addr{IP: ip, Port: int(binary.BigEndian.Uint16(rawPortBytes(&raw.Port)))}, nil
}

// rawPortBytes reads the two bytes backing a RawSockaddrInet{4,6}.Port field
// directly out of kernel-filled memory, in the network byte order the kernel
// wrote them in — the field's Go type (uint16) must not be read directly,
// since that would apply host endianness to bytes that are already
// big-endian.
func rawPortBytes(port *uint16) []byte {
	return (*[2]byte)(unsafe.Pointer(port))[:]
}

func getsockopt(fd, level, name int, val unsafe.Pointer, size *uint32) bool {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(size)), 0)
	return errno == 0
}

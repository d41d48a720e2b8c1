package rawsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Conn is a single raw, non-blocking socket owned by the dispatcher or a
// tracker entry. It is never wrapped in a net.Conn: the dispatcher's poll
// loop is the sole suspension point in the process, and mixing the Go
// runtime's own netpoller into that model would reintroduce a second one.
type Conn struct {
	FD     int
	Family Family
	Proto  string // "tcp" or "udp"
}

// domain maps a Family to the syscall address family, defaulting to IPv6 for
// Unspecified dual-stack sockets bound via an IPv6 wildcard (see NewListener).
func domain(fam Family) int {
	if fam == IPv4 {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// NewListener creates, configures and binds a listening socket per §6:
// SO_REUSEADDR and SO_OOBINLINE always; for TCP, listen with a backlog of 16;
// IPV6_V6ONLY is enabled only when fam is explicitly IPv6 — an Unspecified
// (wildcard) family binds dual-stack with V6ONLY left disabled.
func NewListener(proto string, fam Family, port int) (*Conn, error) {
	sockType := unix.SOCK_STREAM
	if proto == "udp" {
		sockType = unix.SOCK_DGRAM
	}

	bindFamily := fam
	if bindFamily == Unspecified {
		bindFamily = IPv6
	}

	fd, err := unix.Socket(domain(bindFamily), sockType, 0)
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	c := &Conn{FD: fd, Family: bindFamily, Proto: proto}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: SO_REUSEADDR: %w", err)
	}
	if err := setOOBInline(fd); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: SO_OOBINLINE: %w", err)
	}
	if bindFamily == IPv6 {
		v6only := 0
		if fam == IPv6 {
			v6only = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			c.Close()
			return nil, fmt.Errorf("rawsock: IPV6_V6ONLY: %w", err)
		}
	}

	addr := &Addr{Port: port}
	sa, err := addr.sockaddr(bindFamily)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: bind: %w", err)
	}

	if proto == "tcp" {
		if err := unix.Listen(fd, 16); err != nil {
			c.Close()
			return nil, fmt.Errorf("rawsock: listen: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: set nonblocking: %w", err)
	}
	return c, nil
}

// Connect creates a socket and connects it to raddr. TCP connects block the
// calling handler until established or failed — acceptable per the model's
// "exactly one suspension point per iteration" rule, since forward targets
// are expected to be local or fast. Once connected the socket is switched to
// non-blocking mode for the poll loop. UDP connect pins the peer address so
// later reads on this socket only ever see datagrams from raddr.
func Connect(proto string, raddr *Addr) (*Conn, error) {
	fam := raddr.Family()
	if fam == Unspecified {
		fam = IPv4
	}
	sockType := unix.SOCK_STREAM
	if proto == "udp" {
		sockType = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain(fam), sockType, 0)
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	c := &Conn{FD: fd, Family: fam, Proto: proto}

	if proto == "tcp" {
		if err := setOOBInline(fd); err != nil {
			c.Close()
			return nil, fmt.Errorf("rawsock: SO_OOBINLINE: %w", err)
		}
	}

	sa, err := raddr.sockaddr(fam)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: connect %s: %w", raddr, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("rawsock: set nonblocking: %w", err)
	}
	return c, nil
}

// Accept accepts one pending connection from a TCP listener.
func (c *Conn) Accept() (*Conn, *Addr, error) {
	nfd, sa, err := unix.Accept(c.FD)
	if err != nil {
		return nil, nil, err
	}
	addr, err := sockaddrToAddr(sa)
	if err != nil {
		unix.Close(nfd)
		return nil, nil, err
	}
	if err := setOOBInline(nfd); err != nil {
		unix.Close(nfd)
		return nil, nil, fmt.Errorf("rawsock: SO_OOBINLINE on accepted socket: %w", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, nil, fmt.Errorf("rawsock: set nonblocking: %w", err)
	}
	return &Conn{FD: nfd, Family: c.Family, Proto: "tcp"}, addr, nil
}

// Read reads from a connected stream or datagram socket.
func (c *Conn) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.FD, buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errClosed
	}
	return n, nil
}

// Write writes to a connected socket.
func (c *Conn) Write(buf []byte) (int, error) {
	return unix.Write(c.FD, buf)
}

// RecvFrom reads one datagram from an unconnected UDP socket (the listener).
func (c *Conn) RecvFrom(buf []byte) (int, *Addr, error) {
	n, sa, err := unix.Recvfrom(c.FD, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	addr, err := sockaddrToAddr(sa)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

// SendTo writes one datagram. If addr is nil the socket must already be
// connected (equivalent to plain send, matching the spec's "sendto with a
// null address is equivalent to send" note for TCP client replies).
func (c *Conn) SendTo(buf []byte, addr *Addr) (int, error) {
	if addr == nil {
		return unix.Write(c.FD, buf)
	}
	sa, err := addr.sockaddr(c.Family)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(c.FD, buf, 0, sa); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Close releases the file descriptor. Safe to call more than once; calls
// after the first do nothing and return nil.
func (c *Conn) Close() error {
	if c.FD < 0 {
		return nil
	}
	err := unix.Close(c.FD)
	c.FD = -1
	return err
}

// LocalAddr returns the socket's bound local address.
func (c *Conn) LocalAddr() (*Addr, error) {
	sa, err := unix.Getsockname(c.FD)
	if err != nil {
		return nil, err
	}
	return sockaddrToAddr(sa)
}

// errClosed is returned by Read on end-of-file (a zero-length read), which
// for a stream socket means the peer closed its write side.
var errClosed = errors.New("rawsock: connection closed by peer")

// IsClosed reports whether err is the EOF sentinel Read returns.
func IsClosed(err error) bool {
	return errors.Is(err, errClosed)
}

// IsWouldBlock reports whether err is the transient EAGAIN/EWOULDBLOCK a
// non-blocking socket returns when no data (or buffer space) is available —
// the read/write path's cue to leave the connection alone until the next
// readiness notification.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

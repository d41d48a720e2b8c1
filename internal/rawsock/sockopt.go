package rawsock

import "golang.org/x/sys/unix"

// setOOBInline enables SO_OOBINLINE, required by §6 on both accepted and
// forward sockets (and the UDP listener) so any out-of-band byte a peer
// sends arrives in the normal read stream instead of needing MSG_OOB.
func setOOBInline(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_OOBINLINE, 1)
}

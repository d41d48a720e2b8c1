//go:build !linux

package rawsock

// OriginalDst is unsupported outside Linux (no netfilter-style
// SO_ORIGINAL_DST), so it always falls back to the local socket name — the
// same pre-2.4 Linux transparent-proxy convention §4.C documents as the
// fallback on platforms without original-destination retrieval.
func (c *Conn) OriginalDst() (*Addr, error) {
	return c.LocalAddr()
}

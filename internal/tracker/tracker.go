// Package tracker implements the dispatcher's connection table: the
// per-flow records for active TCP and UDP sessions, keyed for UDP lookup by
// peer address, and the sweep that removes dead entries between dispatch
// iterations.
package tracker

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sedproxy/netsed/internal/rawsock"
)

// State is a tracker entry's lifecycle stage. Any state at or past
// Disconnected marks the entry for removal at the end of the current
// dispatch iteration.
type State int

const (
	Unreplied State = iota
	Established
	Disconnected
	TimedOut
)

// Dead reports whether s is at or past Disconnected.
func (s State) Dead() bool { return s >= Disconnected }

func (s State) String() string {
	switch s {
	case Unreplied:
		return "unreplied"
	case Established:
		return "established"
	case Disconnected:
		return "disconnected"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// ClientEndpoint is the tagged variant replacing the original design's
// nullable client-address sentinel (§9 "unified TCP/UDP record"): for TCP,
// Peer is nil and Conn is the accepted socket; for UDP, Conn is the shared
// listening socket and Peer uniquely identifies the pseudo-connection.
type ClientEndpoint struct {
	Conn *rawsock.Conn
	Peer *rawsock.Addr
}

// IsUDP reports whether this endpoint identifies a UDP pseudo-connection.
func (e ClientEndpoint) IsUDP() bool { return e.Peer != nil }

// Entry is one forwarding session: a TCP connection, or a UDP
// pseudo-connection keyed by source address.
type Entry struct {
	Client       ClientEndpoint
	Forward      *rawsock.Conn
	LastActivity time.Time
	State        State
	LiveCounts   []int32
}

// Tracker is the dispatcher's connection table. It is only ever touched from
// the dispatcher's single goroutine, so it needs no synchronization.
type Tracker struct {
	clock       clockwork.Clock
	idleTimeout time.Duration

	entries  []*Entry
	udpIndex map[string]*Entry
}

// New builds an empty Tracker. idleTimeout bounds how long a UDP
// pseudo-connection may sit idle before it is evicted.
func New(clock clockwork.Clock, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		clock:       clock,
		idleTimeout: idleTimeout,
		udpIndex:    make(map[string]*Entry),
	}
}

// Insert adds a new entry to the table. For UDP entries, peer addresses must
// be unique — the dispatcher is responsible for calling FindUDP first.
func (t *Tracker) Insert(e *Entry) {
	t.entries = append(t.entries, e)
	if e.Client.IsUDP() {
		t.udpIndex[e.Client.Peer.String()] = e
	}
}

// FindUDP returns the existing UDP pseudo-connection for peer, if any.
func (t *Tracker) FindUDP(peer *rawsock.Addr) (*Entry, bool) {
	e, ok := t.udpIndex[peer.String()]
	return e, ok
}

// All returns every tracked entry, in insertion order, including entries
// already marked Dead but not yet swept. The slice must not be retained
// across a Sweep.
func (t *Tracker) All() []*Entry {
	return t.entries
}

// Len reports the number of tracked entries.
func (t *Tracker) Len() int { return len(t.entries) }

// ExpireIdleUDP marks every UDP entry idle for at least the tracker's
// timeout as TimedOut, per the state diagram in §4.F.
func (t *Tracker) ExpireIdleUDP(now time.Time) {
	for _, e := range t.entries {
		if e.Client.IsUDP() && !e.State.Dead() && now.Sub(e.LastActivity) >= t.idleTimeout {
			e.State = TimedOut
		}
	}
}

// NextUDPDeadline computes the dispatcher's dynamic poll timeout (§4.E step
// 2): the smallest remaining time-to-live across UDP entries, floored at
// zero. ok is false when there are no UDP entries to bound the wait.
func (t *Tracker) NextUDPDeadline(now time.Time) (remaining time.Duration, ok bool) {
	first := true
	for _, e := range t.entries {
		if !e.Client.IsUDP() || e.State.Dead() {
			continue
		}
		left := t.idleTimeout - now.Sub(e.LastActivity)
		if left < 0 {
			left = 0
		}
		if first || left < remaining {
			remaining = left
			first = false
		}
	}
	return remaining, !first
}

// Sweep removes every entry whose state is Dead, invoking closeFn on each so
// the caller can release its owned file descriptors before it's dropped.
func (t *Tracker) Sweep(closeFn func(*Entry)) {
	live := t.entries[:0]
	for _, e := range t.entries {
		if e.State.Dead() {
			if e.Client.IsUDP() {
				delete(t.udpIndex, e.Client.Peer.String())
			}
			closeFn(e)
			continue
		}
		live = append(live, e)
	}
	t.entries = live
}

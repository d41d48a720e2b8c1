// Package dispatch implements the dispatcher: the single-threaded readiness
// loop that multiplexes the listening socket and every active forwarding
// pair, applies the rule engine in both directions, and expires idle UDP
// pseudo-connections.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sedproxy/netsed/internal/endpoint"
	"github.com/sedproxy/netsed/internal/rawsock"
	"github.com/sedproxy/netsed/internal/rule"
	"github.com/sedproxy/netsed/internal/tracker"
)

// MaxBuf is the shared scratch buffer size for both the read and the
// rewritten-output buffers (§4.F).
const MaxBuf = 100000

// DefaultUDPTimeout is how long a UDP pseudo-connection may sit idle before
// the dispatcher evicts it (§5 "Timeouts").
const DefaultUDPTimeout = 300 * time.Second

// cancelPollInterval bounds the readiness wait when there are no live UDP
// entries to derive a deadline from. It is independent of UDPTimeout so
// that an idle or pure-TCP session still observes the cancellation flag
// within about a second of SIGINT/SIGTERM, per §5's "flag is polled
// immediately after each readiness wait" — an operator-configured
// UDPTimeout of minutes must never become the process's shutdown latency.
const cancelPollInterval = time.Second

// Config configures a Dispatcher. Log, Clock and Canceled are the external
// collaborators spec §1 calls out as interfaces the core consumes without
// specifying their design.
type Config struct {
	Log        *slog.Logger
	Clock      clockwork.Clock
	Canceled   *atomic.Bool
	Protocol   string // "tcp" or "udp"
	LocalPort  int
	Target     endpoint.Target
	Rules      *rule.Set
	UDPTimeout time.Duration
}

// Dispatcher owns the listening socket and the connection tracker, and runs
// the readiness loop described in §4.E.
type Dispatcher struct {
	log      *slog.Logger
	clock    clockwork.Clock
	canceled *atomic.Bool
	protocol string
	target   endpoint.Target

	listener *rawsock.Conn
	tracker  *tracker.Tracker
	rules    *rule.Set
	engine   *rule.Engine

	inBuf  []byte
	outBuf []byte
}

// New binds the listening socket and builds a ready-to-run Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Canceled == nil {
		cfg.Canceled = &atomic.Bool{}
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = DefaultUDPTimeout
	}

	listener, err := rawsock.NewListener(cfg.Protocol, cfg.Target.Family(), cfg.LocalPort)
	if err != nil {
		return nil, fmt.Errorf("dispatch: bind listener: %w", err)
	}

	return &Dispatcher{
		log:      cfg.Log,
		clock:    cfg.Clock,
		canceled: cfg.Canceled,
		protocol: cfg.Protocol,
		target:   cfg.Target,
		listener: listener,
		tracker:  tracker.New(cfg.Clock, cfg.UDPTimeout),
		rules:    cfg.Rules,
		engine:   rule.NewEngine(cfg.Log),
		inBuf:    make([]byte, MaxBuf),
		outBuf:   make([]byte, 0, MaxBuf),
	}, nil
}

// LocalAddr returns the bound address of the listening socket.
func (d *Dispatcher) LocalAddr() (*rawsock.Addr, error) {
	return d.listener.LocalAddr()
}

// FlowCount reports how many connections/pseudo-connections are currently
// tracked, including ones already marked Dead but not yet swept.
func (d *Dispatcher) FlowCount() int {
	return d.tracker.Len()
}

// Run executes the readiness loop until the cancellation flag is observed.
// It always returns nil on clean cancellation; a bind/accept/io error that
// is not per-connection propagates as an error.
func (d *Dispatcher) Run() error {
	local, _ := d.listener.LocalAddr()
	d.log.Info("dispatcher starting", "protocol", d.protocol, "local_addr", local)

	for {
		fds, timeout := d.buildWaitSet()

		readable, err := rawsock.Poll(fds, timeout)
		if err != nil {
			return fmt.Errorf("dispatch: poll: %w", err)
		}

		now := d.clock.Now()

		if d.canceled.Load() {
			d.log.Info("cancellation observed, shutting down")
			break
		}

		if readable[d.listener.FD] {
			d.handleListener(now)
		}

		for _, e := range d.tracker.All() {
			if e.State.Dead() {
				continue
			}
			if d.protocol == "tcp" && readable[e.Client.Conn.FD] {
				d.handleClientToServer(e, now)
			}
			if !e.State.Dead() && readable[e.Forward.FD] {
				d.handleServerToClient(e, now)
			}
		}

		d.tracker.ExpireIdleUDP(now)
		d.sweep()
	}

	d.sweepAll()
	return d.listener.Close()
}

// buildWaitSet implements §4.E steps 1–2: the listener is always in the
// read set, every tracked entry's forward socket (and, for TCP, its client
// socket) is added, and the timeout is the earliest UDP deadline, bounded
// above by cancelPollInterval — not by UDPTimeout — so the loop always
// wakes up to re-check the cancellation flag on a short, fixed cadence even
// when there are no live UDP entries to derive a deadline from.
func (d *Dispatcher) buildWaitSet() ([]int, time.Duration) {
	fds := make([]int, 0, d.tracker.Len()*2+1)
	fds = append(fds, d.listener.FD)

	for _, e := range d.tracker.All() {
		if e.State.Dead() {
			continue
		}
		fds = append(fds, e.Forward.FD)
		if d.protocol == "tcp" {
			fds = append(fds, e.Client.Conn.FD)
		}
	}

	timeout := cancelPollInterval
	if remaining, ok := d.tracker.NextUDPDeadline(d.clock.Now()); ok && remaining < timeout {
		timeout = remaining
	}
	return fds, timeout
}

func (d *Dispatcher) sweep() {
	d.tracker.Sweep(d.closeEntry)
}

func (d *Dispatcher) sweepAll() {
	for _, e := range d.tracker.All() {
		e.State = tracker.Disconnected
	}
	d.tracker.Sweep(d.closeEntry)
}

func (d *Dispatcher) closeEntry(e *tracker.Entry) {
	e.Forward.Close()
	if !e.Client.IsUDP() {
		e.Client.Conn.Close()
	}
}

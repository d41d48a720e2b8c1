package dispatch

import (
	"time"

	"github.com/sedproxy/netsed/internal/rawsock"
	"github.com/sedproxy/netsed/internal/tracker"
)

// handleListener implements §4.E step 6: accept a new TCP connection, or
// receive one UDP datagram and route it to an existing or brand-new
// pseudo-connection.
func (d *Dispatcher) handleListener(now time.Time) {
	if d.protocol == "tcp" {
		d.acceptTCP(now)
		return
	}
	d.receiveUDP(now)
}

func (d *Dispatcher) acceptTCP(now time.Time) {
	client, _, err := d.listener.Accept()
	if err != nil {
		if !rawsock.IsWouldBlock(err) {
			d.log.Error("accept failed", "error", err)
		}
		return
	}

	forward, err := d.dialForward(client)
	if err != nil {
		d.log.Error("failed to establish forward connection, dropping client", "error", err)
		client.Close()
		return
	}

	d.tracker.Insert(&tracker.Entry{
		Client:       tracker.ClientEndpoint{Conn: client},
		Forward:      forward,
		LastActivity: now,
		State:        tracker.Unreplied,
		LiveCounts:   d.rules.NewLiveCounts(),
	})
	d.log.Info("accepted TCP connection", "flows", d.tracker.Len())
}

func (d *Dispatcher) receiveUDP(now time.Time) {
	n, peer, err := d.listener.RecvFrom(d.inBuf)
	if err != nil {
		if !rawsock.IsWouldBlock(err) {
			d.log.Error("udp recvfrom failed", "error", err)
		}
		return
	}

	entry, ok := d.tracker.FindUDP(peer)
	if !ok {
		forward, err := d.dialForward(d.listener)
		if err != nil {
			d.log.Error("failed to establish forward connection for new UDP flow, dropping datagram", "error", err)
			return
		}
		entry = &tracker.Entry{
			Client:       tracker.ClientEndpoint{Conn: d.listener, Peer: peer},
			Forward:      forward,
			LastActivity: now,
			State:        tracker.Unreplied,
			LiveCounts:   d.rules.NewLiveCounts(),
		}
		d.tracker.Insert(entry)
		d.log.Info("new UDP flow", "peer", peer, "flows", d.tracker.Len())
	}

	d.forwardClientData(entry, n, now)
}

// dialForward resolves the per-connection forwarding target from conn (the
// accepted TCP socket, or the UDP listener for a brand-new flow) and
// connects a forward socket to it.
func (d *Dispatcher) dialForward(conn *rawsock.Conn) (*rawsock.Conn, error) {
	addr, err := d.target.ForwardAddr(conn)
	if err != nil {
		return nil, err
	}
	return rawsock.Connect(d.protocol, addr)
}

// forwardClientData applies the rule engine to the n bytes already sitting in
// d.inBuf and writes the result to e.Forward — the client→server direction
// for both TCP (§4.F first bullet) and UDP (§4.F third bullet).
func (d *Dispatcher) forwardClientData(e *tracker.Entry, n int, now time.Time) {
	d.outBuf = d.engine.AppendApply(d.outBuf[:0], d.rules, e.LiveCounts, d.inBuf[:n])
	if _, err := e.Forward.Write(d.outBuf); err != nil {
		if !rawsock.IsWouldBlock(err) {
			d.log.Error("write to forward socket failed", "error", err)
			e.State = tracker.Disconnected
		}
		return
	}
	e.LastActivity = now
}

// handleClientToServer is the TCP client→server handler (§4.F first
// bullet): read from the accepted socket, rewrite, forward.
func (d *Dispatcher) handleClientToServer(e *tracker.Entry, now time.Time) {
	n, err := e.Client.Conn.Read(d.inBuf)
	if err != nil {
		if rawsock.IsWouldBlock(err) {
			return
		}
		if !rawsock.IsClosed(err) {
			d.log.Debug("client read error", "error", err)
		}
		e.State = tracker.Disconnected
		return
	}
	d.forwardClientData(e, n, now)
}

// handleServerToClient is the shared server→client handler for TCP and UDP
// (§4.F second bullet): read from the forward socket, rewrite, send to the
// client — via plain send for TCP, via sendto(peer) for UDP.
func (d *Dispatcher) handleServerToClient(e *tracker.Entry, now time.Time) {
	n, err := e.Forward.Read(d.inBuf)
	if err != nil {
		if rawsock.IsWouldBlock(err) {
			return
		}
		if !rawsock.IsClosed(err) {
			d.log.Debug("forward read error", "error", err)
		}
		e.State = tracker.Disconnected
		return
	}

	d.outBuf = d.engine.AppendApply(d.outBuf[:0], d.rules, e.LiveCounts, d.inBuf[:n])

	if _, err := e.Client.Conn.SendTo(d.outBuf, e.Client.Peer); err != nil {
		if !rawsock.IsWouldBlock(err) {
			d.log.Error("send to client failed", "error", err)
			e.State = tracker.Disconnected
		}
		return
	}
	e.LastActivity = now
	if e.State == tracker.Unreplied {
		e.State = tracker.Established
	}
}

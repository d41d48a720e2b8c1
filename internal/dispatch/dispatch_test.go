package dispatch_test

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sedproxy/netsed/internal/dispatch"
	"github.com/sedproxy/netsed/internal/endpoint"
	"github.com/sedproxy/netsed/internal/rule"
	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, protocol string, target endpoint.Target, rules *rule.Set) (*dispatch.Dispatcher, string) {
	t.Helper()

	canceled := &atomic.Bool{}
	d, err := dispatch.New(dispatch.Config{
		Protocol:   protocol,
		LocalPort:  0,
		Target:     target,
		Rules:      rules,
		Clock:      clockwork.NewRealClock(),
		Canceled:   canceled,
		UDPTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run()
	}()
	t.Cleanup(func() {
		canceled.Store(true)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop within 2s of cancellation")
		}
	})

	local, err := d.LocalAddr()
	require.NoError(t, err)
	return d, fmt.Sprintf("127.0.0.1:%d", local.Port)
}

func fixedTarget(t *testing.T, port int) endpoint.Target {
	t.Helper()
	tgt, err := endpoint.Resolve("127.0.0.1", port)
	require.NoError(t, err)
	return tgt
}

func mustRules(t *testing.T, specs ...string) *rule.Set {
	t.Helper()
	set, err := rule.ParseAll(specs)
	require.NoError(t, err)
	return set
}

func TestDispatch_TCPServerInitiated(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("test andrew and andrew"))
	}()

	target := fixedTarget(t, upstream.Addr().(*net.TCPAddr).Port)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike"))

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "test mike and mike", string(buf[:n]))
}

func TestDispatch_TCPNoServer_ReadReturnsEmpty(t *testing.T) {
	// Bind and immediately close, to get a port nothing is listening on.
	tmp, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := tmp.Addr().(*net.TCPAddr).Port
	require.NoError(t, tmp.Close())

	target := fixedTarget(t, deadPort)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike"))

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	require.True(t, n == 0)
	require.Error(t, err) // EOF: the dispatcher drops the client when dial fails.
}

func TestDispatch_TCPClientInitiated(t *testing.T) {
	received := make(chan string, 1)
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	target := fixedTarget(t, upstream.Addr().(*net.TCPAddr).Port)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike"))

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("test andrew and andrew"))
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "test mike and mike", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received data")
	}
}

func TestDispatch_TCPBidirectional(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	serverGotChan := make(chan string, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		serverGotChan <- string(buf[:n])
		_, _ = conn.Write([]byte("server: ok andrew ok"))
	}()

	target := fixedTarget(t, upstream.Addr().(*net.TCPAddr).Port)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike"))

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("client: bla bla andrew"))
	require.NoError(t, err)

	select {
	case got := <-serverGotChan:
		require.Equal(t, "client: bla bla mike", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received data")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "server: ok mike ok", string(buf[:n]))
}

func TestDispatch_TCPMultiFlow(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	got := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				c.SetReadDeadline(time.Now().Add(2 * time.Second))
				n, _ := c.Read(buf)
				got <- string(buf[:n])
			}(conn)
		}
	}()

	target := fixedTarget(t, upstream.Addr().(*net.TCPAddr).Port)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike"))

	c1, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer c2.Close()

	_, err = c1.Write([]byte("first andrew"))
	require.NoError(t, err)
	_, err = c2.Write([]byte("second andrew"))
	require.NoError(t, err)

	results := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			results[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("did not receive both flows")
		}
	}
	require.True(t, results["first mike"])
	require.True(t, results["second mike"])
}

func TestDispatch_ExpiryCount(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	target := fixedTarget(t, upstream.Addr().(*net.TCPAddr).Port)
	_, proxyAddr := startDispatcher(t, "tcp", target, mustRules(t, "s/andrew/mike/1"))

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("test andrew and andrew"))
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "test mike and andrew", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received data")
	}
}

func TestDispatch_UDPFlowIdentity(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer upstream.Close()

	peers := make(chan string, 8)
	go func() {
		buf := make([]byte, 256)
		for {
			n, addr, err := upstream.ReadFromUDP(buf)
			if err != nil {
				return
			}
			peers <- addr.String()
			_ = n
		}
	}()

	target := fixedTarget(t, upstream.LocalAddr().(*net.UDPAddr).Port)
	_, proxyAddr := startDispatcher(t, "udp", target, mustRules(t, "s/a/b"))

	raddr, err := net.ResolveUDPAddr("udp", proxyAddr)
	require.NoError(t, err)

	client, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("one"))
	require.NoError(t, err)
	_, err = client.Write([]byte("two"))
	require.NoError(t, err)

	var first, second string
	select {
	case first = <-peers:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received first datagram")
	}
	select {
	case second = <-peers:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received second datagram")
	}
	require.Equal(t, first, second, "datagrams from the same client socket must share one flow")
}

func TestDispatch_UDPIdleEviction(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer upstream.Close()

	go func() {
		buf := make([]byte, 256)
		for {
			n, addr, err := upstream.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = upstream.WriteToUDP(buf[:n], addr)
		}
	}()

	target := fixedTarget(t, upstream.LocalAddr().(*net.UDPAddr).Port)
	d, proxyAddr := startDispatcher(t, "udp", target, mustRules(t, "s/a/b"))

	raddr, err := net.ResolveUDPAddr("udp", proxyAddr)
	require.NoError(t, err)
	client, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.FlowCount() == 1
	}, time.Second, 10*time.Millisecond, "flow should be tracked after first datagram")

	require.Eventually(t, func() bool {
		return d.FlowCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "idle UDP flow should be evicted within UDPTimeout+1s")
}

// TestDispatch_CancellationLatencyIndependentOfUDPTimeout guards against the
// poll timeout being bound by UDPTimeout: with no live UDP entries, a large
// configured UDPTimeout must not delay observing cancellation.
func TestDispatch_CancellationLatencyIndependentOfUDPTimeout(t *testing.T) {
	canceled := &atomic.Bool{}
	d, err := dispatch.New(dispatch.Config{
		Protocol:   "tcp",
		LocalPort:  0,
		Target:     fixedTarget(t, 1),
		Rules:      mustRules(t, "s/a/b"),
		Clock:      clockwork.NewRealClock(),
		Canceled:   canceled,
		UDPTimeout: time.Hour,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run()
	}()

	time.Sleep(50 * time.Millisecond) // let Run() enter its first wait
	start := time.Now()
	canceled.Store(true)

	select {
	case <-done:
		require.Less(t, time.Since(start), 5*time.Second,
			"cancellation should be observed within a couple of poll cycles, not after UDPTimeout")
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop promptly after cancellation with a long UDPTimeout")
	}
}

package relay

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matst80/burrow/internal/proto"
)

// startDispatcher runs a dispatcher on an ephemeral tunnel port and
// returns its tunnel address. Shutdown happens in cleanup.
func startDispatcher(t *testing.T, cfg Config) (*Dispatcher, string) {
	t.Helper()
	cfg.TunnelAddr = "127.0.0.1:0"
	cfg.PublicHost = "127.0.0.1"
	d := New(cfg, newMemoryStore(64, clock.New()))
	if err := d.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not shut down")
		}
	})
	return d, d.Addr()
}

// freePort grabs an ephemeral port number for a forward registration.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return uint16(port)
}

func dialTunnel(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// dialPublic retries until the forward's public listener is bound.
func dialPublic(t *testing.T, port uint16) net.Conn {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			t.Cleanup(func() { _ = c.Close() })
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("public port %d never came up", port)
	return nil
}

func register(t *testing.T, addr string, port uint16) (net.Conn, *bufio.Reader) {
	t.Helper()
	ctrl := dialTunnel(t, addr)
	if err := proto.WriteRegistration(ctrl, port); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	return ctrl, bufio.NewReader(ctrl)
}

func readFrame(t *testing.T, c net.Conn, br *bufio.Reader) proto.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := proto.ReadFrame(br)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
	return f
}

func waitForward(t *testing.T, d *Dispatcher, port uint16, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if (d.store.LookupForward(port) != nil) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("forward %d registered=%v never became %v", port, !want, want)
}

func TestDispatcherPairsExternalWithDataChannel(t *testing.T) {
	_, addr := startDispatcher(t, Config{})
	port := freePort(t)
	ctrl, cbr := register(t, addr, port)

	ext := dialPublic(t, port)
	f := readFrame(t, ctrl, cbr)
	if f.Type != proto.TypeNewConn {
		t.Fatalf("control frame type = %#x, want %#x", f.Type, proto.TypeNewConn)
	}

	data := dialTunnel(t, addr)
	if err := proto.WriteDataHandshake(data, f.ConnID); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if _, err := ext.Write([]byte("hello in")); err != nil {
		t.Fatalf("external write: %v", err)
	}
	_ = data.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 8)
	if _, err := io.ReadFull(data, got); err != nil {
		t.Fatalf("data read: %v", err)
	}
	if string(got) != "hello in" {
		t.Errorf("data read = %q, want %q", got, "hello in")
	}

	if _, err := data.Write([]byte("hello back")); err != nil {
		t.Fatalf("data write: %v", err)
	}
	_ = ext.SetReadDeadline(time.Now().Add(2 * time.Second))
	got = make([]byte, 10)
	if _, err := io.ReadFull(ext, got); err != nil {
		t.Fatalf("external read: %v", err)
	}
	if string(got) != "hello back" {
		t.Errorf("external read = %q, want %q", got, "hello back")
	}

	_ = data.Close()
	_ = ext.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ext.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("external read after data close err = %v, want EOF", err)
	}
}

func TestDispatcherRejectsUnclassifiableSocket(t *testing.T) {
	_, addr := startDispatcher(t, Config{})
	c := dialTunnel(t, addr)
	if _, err := c.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read err = %v, want EOF", err)
	}
}

func TestDispatcherClosesSilentSocket(t *testing.T) {
	_, addr := startDispatcher(t, Config{ClassifyTimeout: 100 * time.Millisecond})
	c := dialTunnel(t, addr)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read err = %v, want EOF", err)
	}
}

func TestDispatcherDropsQuietAgent(t *testing.T) {
	d, addr := startDispatcher(t, Config{HeartbeatWindow: 100 * time.Millisecond})
	port := freePort(t)
	ctrl, _ := register(t, addr, port)
	waitForward(t, d, port, true)

	// One quiet window earns a keepalive, the second ends the session.
	_ = ctrl.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := io.ReadFull(ctrl, buf); err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if buf[0] != proto.TypeHeartbeat {
		t.Errorf("control byte = %#x, want %#x", buf[0], proto.TypeHeartbeat)
	}
	if _, err := ctrl.Read(buf); err != io.EOF {
		t.Errorf("read after missed windows err = %v, want EOF", err)
	}
	waitForward(t, d, port, false)
}

func TestDispatcherKeepsHeartbeatingAgent(t *testing.T) {
	d, addr := startDispatcher(t, Config{HeartbeatWindow: 100 * time.Millisecond})
	port := freePort(t)
	ctrl, _ := register(t, addr, port)
	waitForward(t, d, port, true)

	for i := 0; i < 8; i++ {
		if err := proto.WriteHeartbeat(ctrl); err != nil {
			t.Fatalf("write heartbeat %d: %v", i, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if d.store.LookupForward(port) == nil {
		t.Error("heartbeating agent was deregistered")
	}
}

func TestDispatcherSkipsUnknownControlByte(t *testing.T) {
	d, addr := startDispatcher(t, Config{HeartbeatWindow: time.Second})
	port := freePort(t)
	ctrl, _ := register(t, addr, port)
	waitForward(t, d, port, true)

	if _, err := ctrl.Write([]byte{0xee}); err != nil {
		t.Fatalf("write unknown byte: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if d.store.LookupForward(port) == nil {
		t.Error("unknown control byte ended the session")
	}
}

func TestDispatcherReplacesRegistration(t *testing.T) {
	d, addr := startDispatcher(t, Config{})
	port := freePort(t)
	ctrl1, _ := register(t, addr, port)
	waitForward(t, d, port, true)

	ctrl2, cbr2 := register(t, addr, port)

	// The first control connection is hung up.
	_ = ctrl1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ctrl1.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("replaced control read err = %v, want EOF", err)
	}

	// New external connections go to the replacement.
	dialPublic(t, port)
	f := readFrame(t, ctrl2, cbr2)
	if f.Type != proto.TypeNewConn {
		t.Errorf("frame type on replacement = %#x, want %#x", f.Type, proto.TypeNewConn)
	}
}

func TestDispatcherEvictsStalePending(t *testing.T) {
	_, addr := startDispatcher(t, Config{
		PairingTimeout:  100 * time.Millisecond,
		CleanupInterval: 50 * time.Millisecond,
	})
	port := freePort(t)
	ctrl, cbr := register(t, addr, port)

	ext := dialPublic(t, port)
	f := readFrame(t, ctrl, cbr)

	// No data channel arrives; the sweep hangs up the external client.
	_ = ext.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ext.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("stale external read err = %v, want EOF", err)
	}

	// A late data channel for the evicted ID is refused.
	late := dialTunnel(t, addr)
	if err := proto.WriteDataHandshake(late, f.ConnID); err != nil {
		t.Fatalf("write late handshake: %v", err)
	}
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := late.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("late data channel read err = %v, want EOF", err)
	}
}

func TestDispatcherProxyProtocol(t *testing.T) {
	_, addr := startDispatcher(t, Config{ProxyProtocol: true})
	port := freePort(t)
	ctrl, cbr := register(t, addr, port)

	ext := dialPublic(t, port)
	header := "PROXY TCP4 198.51.100.7 203.0.113.9 52110 443\r\n"
	if _, err := ext.Write([]byte(header + "payload")); err != nil {
		t.Fatalf("external write: %v", err)
	}

	f := readFrame(t, ctrl, cbr)
	data := dialTunnel(t, addr)
	if err := proto.WriteDataHandshake(data, f.ConnID); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	// The header is consumed on the relay; only the payload crosses.
	_ = data.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 7)
	if _, err := io.ReadFull(data, got); err != nil {
		t.Fatalf("data read: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("data read = %q, want %q", got, "payload")
	}
}

func TestDispatcherRateLimitsPublicConns(t *testing.T) {
	_, addr := startDispatcher(t, Config{ConnRate: 1, ConnBurst: 1})
	port := freePort(t)
	ctrl, cbr := register(t, addr, port)

	dialPublic(t, port)
	readFrame(t, ctrl, cbr)

	// The second connection inside the same window is turned away
	// without a new-connection frame.
	ext2 := dialPublic(t, port)
	_ = ext2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ext2.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("limited external read err = %v, want EOF", err)
	}
}

func TestDispatcherShutdownClosesControl(t *testing.T) {
	cfg := Config{TunnelAddr: "127.0.0.1:0", PublicHost: "127.0.0.1"}
	cfg.applyDefaults()
	d := New(cfg, newMemoryStore(64, clock.New()))
	if err := d.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx); close(done) }()

	port := freePort(t)
	ctrl, _ := register(t, d.Addr(), port)
	waitForward(t, d, port, true)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not shut down")
	}

	_ = ctrl.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ctrl.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("control read after shutdown err = %v, want EOF", err)
	}
}

package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNextBackoff(t *testing.T) {
	max := 60 * time.Second
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{5 * time.Second, 7500 * time.Millisecond},
		{7500 * time.Millisecond, 11250 * time.Millisecond},
		{11250 * time.Millisecond, 16875 * time.Millisecond},
		{40 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.in, max); got != tt.want {
			t.Errorf("nextBackoff(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateRegistered, "registered"},
		{StateLost, "lost"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

// settle gives the supervisor goroutine real time to reach its next
// timer before the mock clock advances past it.
func settle() { time.Sleep(50 * time.Millisecond) }

func recvDial(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial attempt")
		return 0
	}
}

func assertNoDial(t *testing.T, ch chan int) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("dial %d arrived before the backoff elapsed", n)
	default:
	}
}

func TestSupervisorBackoffAndReset(t *testing.T) {
	mock := clock.NewMock()
	dials := make(chan int, 16)
	srvCh := make(chan net.Conn, 1)
	var attempt atomic.Int32

	ag := New(Config{
		RelayAddr:         "relay.test:9000",
		ForwardPort:       25565,
		TargetAddr:        "127.0.0.1:1",
		HeartbeatInterval: time.Minute,
		BackoffInitial:    5 * time.Second,
		BackoffMax:        60 * time.Second,
	})
	ag.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		n := int(attempt.Add(1))
		dials <- n
		if n == 3 {
			srv, cli := net.Pipe()
			go func() { _, _ = io.Copy(io.Discard, srv) }()
			srvCh <- srv
			return cli, nil
		}
		return nil, errors.New("connection refused")
	}
	s := NewSupervisor(ag)
	s.clk = mock

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The first attempt fires immediately and fails.
	recvDial(t, dials)
	settle()
	assertNoDial(t, dials)
	mock.Add(5 * time.Second)

	// The second comes after the initial delay and fails too.
	recvDial(t, dials)
	settle()
	assertNoDial(t, dials)
	mock.Add(7500 * time.Millisecond)

	// The third succeeds.
	recvDial(t, dials)
	settle()
	if got := s.State(); got != StateRegistered {
		t.Errorf("state after register = %s, want registered", got)
	}

	// Kill the control connection. The next retry waits the initial
	// delay again, not the grown one.
	srv := <-srvCh
	_ = srv.Close()
	settle()
	assertNoDial(t, dials)
	mock.Add(5 * time.Second)
	recvDial(t, dials)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state after cancel = %s, want stopped", got)
	}
}

func TestSupervisorStopsDuringBackoff(t *testing.T) {
	mock := clock.NewMock()
	dials := make(chan int, 16)
	var attempt atomic.Int32

	ag := New(Config{
		RelayAddr:      "relay.test:9000",
		ForwardPort:    25565,
		TargetAddr:     "127.0.0.1:1",
		BackoffInitial: 5 * time.Second,
	})
	ag.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials <- int(attempt.Add(1))
		return nil, errors.New("connection refused")
	}
	s := NewSupervisor(ag)
	s.clk = mock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	recvDial(t, dials)
	settle()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state after cancel = %s, want stopped", got)
	}
}

// Package agent implements the private side of the tunnel: it keeps an
// outbound control connection registered with the relay and answers
// new-connection frames by dialing data channels outward, so the
// private service never accepts an inbound connection.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/pump"
)

// ErrControlLost reports that the control connection died and the
// supervisor should reconnect.
var ErrControlLost = errors.New("control channel lost")

// Defaults applied by New for unset Config fields.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultBackoffInitial    = 5 * time.Second
	DefaultBackoffMax        = 60 * time.Second
)

// DialFunc is how the agent opens outbound sockets. Tests inject one to
// run the state machine without a network.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Config controls the agent.
type Config struct {
	// RelayAddr is the relay's tunnel address, dialed for the control
	// connection and every data channel.
	RelayAddr string
	// ForwardPort is the public port registered on the relay.
	ForwardPort uint16
	// TargetAddr is the private service connections are forwarded to.
	TargetAddr string
	// HeartbeatInterval is how often a keepalive is written on the
	// control connection; it also bounds each control read.
	HeartbeatInterval time.Duration
	// DialTimeout bounds relay and target dials.
	DialTimeout time.Duration
	// WriteTimeout bounds registration, handshake and keepalive writes.
	WriteTimeout time.Duration
	// MaxTunnels caps in-flight tunnels; opening one past the cap closes
	// the oldest (0 = unbounded).
	MaxTunnels int
	// BackoffInitial/BackoffMax shape the supervisor's retry delays.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Agent dials the relay, keeps the registration alive and forwards
// connections to the private target.
type Agent struct {
	cfg     Config
	dial    DialFunc
	active  atomic.Int64
	tracker *tunnelTracker
}

// New creates an agent. The forward port is registered when the
// supervisor connects.
func New(cfg Config) *Agent {
	cfg.applyDefaults()
	a := &Agent{cfg: cfg, dial: net.DialTimeout}
	if cfg.MaxTunnels > 0 {
		a.tracker = newTunnelTracker(cfg.MaxTunnels)
	}
	return a
}

// ActiveTunnels returns the number of in-flight forwarded connections.
func (a *Agent) ActiveTunnels() int64 { return a.active.Load() }

// connect dials the relay and registers the forward port. A returned
// conn means the registration preamble was written.
func (a *Agent) connect() (net.Conn, error) {
	c, err := a.dial("tcp", a.cfg.RelayAddr, a.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	_ = c.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	if err := proto.WriteRegistration(c, a.cfg.ForwardPort); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	_ = c.SetWriteDeadline(time.Time{})
	return c, nil
}

// runControl reads frames until the control connection dies. One
// keepalive is written per heartbeat interval whether the loop is idle
// or busy; a failed keepalive write means the relay is gone.
// New-connection frames spawn forwarding tasks that outlive this loop.
func (a *Agent) runControl(conn net.Conn) error {
	br := bufio.NewReader(conn)
	lastBeat := time.Now()
	for {
		// The read deadline is pinned to the next due keepalive, not
		// re-armed per frame, so inbound traffic never delays it.
		due := lastBeat.Add(a.cfg.HeartbeatInterval)
		_ = conn.SetReadDeadline(due)
		f, err := proto.ReadFrame(br)
		switch {
		case err == nil:
			switch f.Type {
			case proto.TypeHeartbeat:
				obs.Debug("agent.heartbeat.recv", nil)
			case proto.TypeNewConn:
				go a.openTunnel(f.ConnID)
			default:
				obs.Warn("agent.unexpected_frame", obs.Fields{"type": proto.TypeName(f.Type)})
			}
		case errors.Is(err, proto.ErrUnknownType):
			obs.Warn("agent.unknown_type", obs.Fields{"type": proto.TypeName(f.Type)})
		case isTimeout(err):
			// quiet window; the keepalive below is due
		default:
			if errors.Is(err, io.EOF) {
				return ErrControlLost
			}
			return fmt.Errorf("%w: %v", ErrControlLost, err)
		}
		if !time.Now().Before(due) {
			if herr := a.writeHeartbeat(conn); herr != nil {
				return fmt.Errorf("%w: heartbeat: %v", ErrControlLost, herr)
			}
			lastBeat = time.Now()
			obs.Debug("agent.heartbeat.sent", nil)
		}
	}
}

func (a *Agent) writeHeartbeat(conn net.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	err := proto.WriteHeartbeat(conn)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

// openTunnel answers one new-connection frame: bind a fresh data
// channel to the connection ID, then bring in the private service. The
// relay side is bound first so the pending entry is claimed before it
// can time out. A target dial failure costs only this connection.
func (a *Agent) openTunnel(id uuid.UUID) {
	dataConn, err := a.dial("tcp", a.cfg.RelayAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("agent.dial_relay", obs.Fields{"err": err.Error(), "id": id.String()})
		return
	}
	_ = dataConn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	if err := proto.WriteDataHandshake(dataConn, id); err != nil {
		obs.Error("agent.handshake", obs.Fields{"err": err.Error(), "id": id.String()})
		_ = dataConn.Close()
		return
	}
	_ = dataConn.SetWriteDeadline(time.Time{})

	local, err := a.dial("tcp", a.cfg.TargetAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("agent.dial_target", obs.Fields{"err": err.Error(), "target": a.cfg.TargetAddr, "id": id.String()})
		_ = dataConn.Close()
		return
	}

	if a.tracker != nil {
		for _, old := range a.tracker.add(id, dataConn, local) {
			_ = old.Close()
		}
		defer a.tracker.remove(id)
	}
	n := a.active.Add(1)
	obs.Info("agent.tunnel.open", obs.Fields{"id": id.String(), "active": n})
	pump.Join(dataConn, local)
	n = a.active.Add(-1)
	obs.Debug("agent.tunnel.closed", obs.Fields{"id": id.String(), "active": n})
}

// tunnelTracker enforces the optional in-flight cap by closing the
// oldest tunnel's sockets when a new one would exceed it.
type tunnelTracker struct {
	mu    sync.Mutex
	max   int
	order []uuid.UUID
	conns map[uuid.UUID][2]net.Conn
}

func newTunnelTracker(max int) *tunnelTracker {
	return &tunnelTracker{max: max, conns: make(map[uuid.UUID][2]net.Conn)}
}

func (t *tunnelTracker) add(id uuid.UUID, a, b net.Conn) (evict []net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = [2]net.Conn{a, b}
	t.order = append(t.order, id)
	for len(t.conns) > t.max && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		if pair, ok := t.conns[oldest]; ok {
			delete(t.conns, oldest)
			evict = append(evict, pair[0], pair[1])
		}
	}
	return evict
}

func (t *tunnelTracker) remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
	for i, other := range t.order {
		if other == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package relay implements the public side of the tunnel: it accepts
// agent control connections and data channels on one listener, opens a
// public listener per registered forward port, and pairs external
// connections with agent data channels by connection ID.
package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/proxyproto"
	"github.com/matst80/burrow/internal/pump"
	"github.com/matst80/burrow/internal/ratelimit"
)

// Defaults applied by New for unset Config fields.
const (
	DefaultClassifyTimeout  = 5 * time.Second
	DefaultHeartbeatWindow  = 30 * time.Second
	DefaultMissedLimit      = 2
	DefaultPairingTimeout   = 30 * time.Second
	DefaultCleanupInterval  = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultMaxPending       = 1024
	DefaultRateLimiterBurst = 10
)

// Config controls the dispatcher.
type Config struct {
	// TunnelAddr is the listen address for agent control connections and
	// data channels.
	TunnelAddr string
	// PublicHost is the host part for per-forward public listeners
	// (empty = all interfaces).
	PublicHost string
	// ClassifyTimeout bounds the wait for the first byte of an accepted
	// tunnel socket and for handshake reads.
	ClassifyTimeout time.Duration
	// HeartbeatWindow is the control read deadline; a window with no
	// frame counts as missed and triggers an outbound heartbeat.
	HeartbeatWindow time.Duration
	// MissedLimit deregisters a forward after this many consecutive
	// missed windows.
	MissedLimit int
	// PairingTimeout evicts pending external connections no data channel
	// has claimed.
	PairingTimeout time.Duration
	// CleanupInterval is the eviction sweep period.
	CleanupInterval time.Duration
	// WriteTimeout bounds control-frame and pairing-flush writes.
	WriteTimeout time.Duration
	// ProxyProtocol expects a PROXY v1 header on public connections.
	ProxyProtocol bool
	// ConnRate/GlobalConnRate bound accepted external connections per
	// second per forward / across all forwards (0 = unlimited).
	ConnRate       int
	GlobalConnRate int
	ConnBurst      int
}

func (c *Config) applyDefaults() {
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = DefaultClassifyTimeout
	}
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if c.MissedLimit <= 0 {
		c.MissedLimit = DefaultMissedLimit
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ConnBurst <= 0 {
		c.ConnBurst = DefaultRateLimiterBurst
	}
}

// Dispatcher accepts and classifies tunnel-side sockets, runs control
// read loops, and owns the public accept loops for registered forwards.
type Dispatcher struct {
	cfg     Config
	store   Store
	limiter *ratelimit.Limiter
	ln      net.Listener
	wg      sync.WaitGroup
}

// New creates a dispatcher for the given store.
func New(cfg Config, store Store) *Dispatcher {
	cfg.applyDefaults()
	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 || cfg.GlobalConnRate > 0 {
		limiter = ratelimit.New(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	}
	return &Dispatcher{cfg: cfg, store: store, limiter: limiter}
}

// Listen binds the tunnel listener and marks the store ready. Safe to
// call before Run to learn the bound address.
func (d *Dispatcher) Listen() error {
	if d.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", d.cfg.TunnelAddr)
	if err != nil {
		return err
	}
	d.ln = ln
	d.store.SetReady(true)
	obs.Info("listen.tunnel", obs.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the tunnel listener address once Listen has run.
func (d *Dispatcher) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Run serves until ctx ends, then tears down listeners and sessions and
// waits for the accept loops. Paired tunnels keep draining on their own.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	d.wg.Add(2)
	go d.runCleanupLoop(ctx)
	go d.acceptTunnel(ctx)

	<-ctx.Done()
	obs.Info("relay.shutdown", nil)
	d.store.SetReady(false)
	d.store.SetClosing(true)
	_ = d.ln.Close()
	d.store.CloseAll()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) acceptTunnel(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := d.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.tunnel.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go d.handleTunnelConn(c)
	}
}

// handleTunnelConn classifies a socket on the tunnel listener by its
// first byte without consuming it: a registration magic starts a control
// connection, a data-channel handshake pairs with a pending external
// connection, anything else is a protocol error.
func (d *Dispatcher) handleTunnelConn(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(d.cfg.ClassifyTimeout))
	br := bufio.NewReader(c)
	first, err := br.Peek(1)
	if err != nil {
		obs.Debug("classify.silent", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
		_ = c.Close()
		return
	}
	switch first[0] {
	case proto.TypeRegister:
		d.handleControl(br, c)
	case proto.TypeDataChannel:
		d.handleDataChannel(br, c)
	default:
		obs.Warn("classify.unknown", obs.Fields{"remote": c.RemoteAddr().String(), "first": proto.TypeName(first[0])})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		_ = c.Close()
	}
}

func (d *Dispatcher) handleControl(br *bufio.Reader, c net.Conn) {
	port, err := proto.ReadRegistration(br)
	if err != nil {
		obs.Error("control.register.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	if d.store.Closing() {
		_ = c.Close()
		return
	}
	sess := newSession(port, c)
	prev, isNew := d.store.RegisterForward(sess)
	if prev != nil {
		// The newer registration wins; the old control connection is
		// invalidated.
		_ = prev.Close()
		obs.Warn("control.register.replace", obs.Fields{"port": port, "remote": sess.RemoteAddr()})
	}
	if isNew {
		ln, err := d.listenForward(port)
		if err != nil {
			obs.Error("forward.listen", obs.Fields{"port": port, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("listen").Inc()
			d.dropSession(sess, "listen_failed")
			return
		}
		if !d.store.AttachListener(port, ln) {
			// The forward vanished while we were binding.
			_ = ln.Close()
			_ = c.Close()
			return
		}
		obs.Info("forward.listen", obs.Fields{"port": port, "addr": ln.Addr().String()})
		go d.acceptPublic(ln, port)
	}
	obs.Info("control.register", obs.Fields{"port": port, "remote": sess.RemoteAddr(), "replaced": prev != nil})
	d.controlLoop(br, sess)
}

func (d *Dispatcher) listenForward(port uint16) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(d.cfg.PublicHost, strconv.Itoa(int(port))))
}

// controlLoop reads frames from a registered agent. Only heartbeats are
// expected; a quiet window prompts one outbound heartbeat, and too many
// quiet windows or a read failure deregisters the forward.
func (d *Dispatcher) controlLoop(br *bufio.Reader, sess *Session) {
	missed := 0
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(d.cfg.HeartbeatWindow))
		f, err := proto.ReadFrame(br)
		switch {
		case err == nil:
			missed = 0
			if f.Type != proto.TypeHeartbeat {
				obs.Warn("control.unexpected_frame", obs.Fields{"port": sess.port, "type": proto.TypeName(f.Type)})
			}
		case errors.Is(err, proto.ErrUnknownType):
			// Skipped for forward compatibility.
			missed = 0
			obs.Warn("control.unknown_type", obs.Fields{"port": sess.port, "type": proto.TypeName(f.Type)})
		case isTimeout(err):
			missed++
			if missed >= d.cfg.MissedLimit {
				obs.Warn("control.heartbeat.dead", obs.Fields{"port": sess.port, "missed": missed})
				d.dropSession(sess, "heartbeat_missed")
				return
			}
			if herr := sess.SendHeartbeat(d.cfg.WriteTimeout); herr != nil {
				d.dropSession(sess, "heartbeat_write")
				return
			}
			obs.HeartbeatsSentTotal.Inc()
			obs.Debug("control.heartbeat.sent", obs.Fields{"port": sess.port})
		default:
			if !errors.Is(err, io.EOF) {
				obs.Error("control.read", obs.Fields{"port": sess.port, "err": err.Error()})
			}
			d.dropSession(sess, "lost")
			return
		}
	}
}

// dropSession deregisters sess and closes what it owned. A session that
// was already superseded or swept only closes its own socket.
func (d *Dispatcher) dropSession(sess *Session, reason string) {
	ln, orphans, ok := d.store.DeregisterForward(sess)
	_ = sess.Close()
	if !ok {
		return
	}
	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range orphans {
		_ = p.Conn.Close()
	}
	obs.ErrorsTotal.WithLabelValues("control_lost").Inc()
	obs.Info("control.lost", obs.Fields{"port": sess.port, "reason": reason, "orphaned": len(orphans)})
}

// acceptPublic runs until the forward's listener closes. Not tracked by
// the dispatcher WaitGroup: forwards register while Run may already be
// shutting down, and the closed listener ends the loop promptly anyway.
func (d *Dispatcher) acceptPublic(ln net.Listener, port uint16) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.public.timeout", obs.Fields{"err": err.Error(), "port": port})
				continue
			}
			obs.Debug("accept.public.closed", obs.Fields{"port": port})
			return
		}
		go d.handleExternal(c, port)
	}
}

// handleExternal admits one external client: park it as pending and ask
// the agent for a data channel. No reply is awaited here; the sweep owns
// the pairing timeout.
func (d *Dispatcher) handleExternal(c net.Conn, port uint16) {
	remote := c.RemoteAddr().String()
	if d.limiter != nil && !d.limiter.AllowConnection(port) {
		obs.Warn("public.rate_limited", obs.Fields{"port": port, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		_ = c.Close()
		return
	}
	sess := d.store.LookupForward(port)
	if sess == nil {
		// A late accept racing the forward's teardown.
		obs.Debug("public.no_forward", obs.Fields{"port": port, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("no_forward").Inc()
		_ = c.Close()
		return
	}
	var buffered []byte
	if d.cfg.ProxyProtocol {
		_ = c.SetReadDeadline(time.Now().Add(d.cfg.ClassifyTimeout))
		br := bufio.NewReader(c)
		hdr, err := proxyproto.Read(br)
		if err != nil {
			obs.Error("public.proxy_proto", obs.Fields{"err": err.Error(), "remote": remote})
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			_ = c.Close()
			return
		}
		_ = c.SetReadDeadline(time.Time{})
		if !hdr.Unknown {
			remote = hdr.Source
		}
		buffered = drainBuffered(br)
	}
	p, err := d.store.CreatePending(port, c, buffered)
	if err != nil {
		obs.Warn("public.pending_limit", obs.Fields{"port": port, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("pending_limit").Inc()
		_ = c.Close()
		return
	}
	if err := sess.SendNewConn(p.ID, d.cfg.WriteTimeout); err != nil {
		obs.Error("public.notify", obs.Fields{"err": err.Error(), "port": port, "id": p.ID.String()})
		obs.ErrorsTotal.WithLabelValues("notify").Inc()
		if q := d.store.TakePending(p.ID); q != nil {
			_ = q.Conn.Close()
		}
		return
	}
	obs.Debug("public.accept", obs.Fields{"port": port, "remote": remote, "id": p.ID.String()})
}

// handleDataChannel claims the pending entry named in the handshake and
// pumps the pair. Buffered external bytes go first so nothing read
// before pairing is lost.
func (d *Dispatcher) handleDataChannel(br *bufio.Reader, c net.Conn) {
	f, err := proto.ReadFrame(br)
	if err != nil {
		obs.Error("data.handshake", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		_ = c.Close()
		return
	}
	p := d.store.TakePending(f.ConnID)
	if p == nil {
		// Evicted by the sweep, already claimed, or never existed.
		obs.Warn("data.no_pending", obs.Fields{"id": f.ConnID.String()})
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	obs.Info("tunnel.established", obs.Fields{"id": p.ID.String(), "port": p.Port, "buffered": len(p.Buffered)})
	obs.TunnelsEstablishedTotal.Inc()
	d.store.RecordTunnel()
	if len(p.Buffered) > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
		if _, err := c.Write(p.Buffered); err != nil {
			obs.Error("tunnel.flush_buffered", obs.Fields{"id": p.ID.String(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("flush_buffered").Inc()
			_ = c.Close()
			_ = p.Conn.Close()
			return
		}
		_ = c.SetWriteDeadline(time.Time{})
	}
	start := time.Now()
	obs.ActiveTunnels.Inc()
	pump.Join(pump.Prefixed(c, drainBuffered(br)), p.Conn)
	obs.ActiveTunnels.Dec()
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("tunnel.closed", obs.Fields{"id": p.ID.String(), "port": p.Port})
}

func (d *Dispatcher) runCleanupLoop(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(d.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			d.store.CleanupExpired(d.cfg.PairingTimeout)
			return
		case <-t.C:
			if n := d.store.CleanupExpired(d.cfg.PairingTimeout); n > 0 {
				obs.Info("pending.timeout", obs.Fields{"evicted": n})
			}
			if d.limiter != nil {
				d.limiter.CleanupExpired(d.store.ActivePorts())
			}
		}
	}
}

// drainBuffered empties what the reader buffered past a handshake
// without touching the socket again.
func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	_, _ = io.ReadFull(br, b)
	return b
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/matst80/burrow/internal/obs"
)

// ErrPendingLimit reports that the pending table is full; new external
// connections are rejected rather than queued without bound.
var ErrPendingLimit = errors.New("too many connections waiting for pairing")

// Store owns relay-side state: registered forwards and external
// connections pending pairing. Implementations never touch a socket
// while holding internal locks; sockets to close are returned to the
// caller instead.
type Store interface {
	// RegisterForward installs sess as the control session for its port.
	// It returns the session it replaced (nil if none) and whether the
	// port still needs a public listener.
	RegisterForward(sess *Session) (prev *Session, isNew bool)
	// AttachListener hands the forward its public listener. It reports
	// false when the forward was deregistered while the listener was
	// being opened; the caller then owns closing ln.
	AttachListener(port uint16, ln net.Listener) bool
	// LookupForward returns the current session for port, or nil.
	LookupForward(port uint16) *Session
	// DeregisterForward removes port's entry only while sess is still
	// its owner, so a superseded session cannot evict its replacement.
	// It returns the forward's listener and orphaned pending entries for
	// the caller to close.
	DeregisterForward(sess *Session) (ln net.Listener, orphans []*Pending, ok bool)
	// CreatePending stores an external connection, with any bytes
	// already read from it, under a fresh connection ID.
	CreatePending(port uint16, conn net.Conn, buffered []byte) (*Pending, error)
	// TakePending atomically claims and removes a pending entry. It
	// returns nil when the entry was already claimed, evicted, or never
	// existed.
	TakePending(id uuid.UUID) *Pending
	// CleanupExpired closes and drops pending entries older than maxAge,
	// or all of them once the store is closing. Returns the number
	// evicted.
	CleanupExpired(maxAge time.Duration) int
	// ActivePorts snapshots the registered forward ports.
	ActivePorts() map[uint16]bool
	// CloseAll tears down every session, listener and pending socket.
	CloseAll()
	// StartMaintenance runs backend housekeeping until ctx ends. The
	// in-memory store has none.
	StartMaintenance(ctx context.Context)

	SetReady(bool)
	SetClosing(bool)
	Ready() bool
	Closing() bool

	// Stats returns forwards, pending, total tunnels, total timeouts.
	Stats() (int, int, int64, int64)
	RecordTunnel()
}

type forwardEntry struct {
	sess *Session
	ln   net.Listener
}

type memoryStore struct {
	mu           sync.Mutex
	forwards     map[uint16]*forwardEntry
	pending      map[uuid.UUID]*Pending
	closing      bool
	ready        bool
	maxPending   int
	clk          clock.Clock
	totalTunnels int64
	timeouts     int64
}

func newMemoryStore(maxPending int, clk clock.Clock) *memoryStore {
	return &memoryStore{
		forwards:   make(map[uint16]*forwardEntry),
		pending:    make(map[uuid.UUID]*Pending),
		maxPending: maxPending,
		clk:        clk,
	}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) RegisterForward(sess *Session) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.forwards[sess.port]; exists {
		prev := e.sess
		e.sess = sess
		return prev, false
	}
	s.forwards[sess.port] = &forwardEntry{sess: sess}
	obs.ActiveForwards.Set(float64(len(s.forwards)))
	return nil, true
}

func (s *memoryStore) AttachListener(port uint16, ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.forwards[port]
	if e == nil || e.ln != nil {
		return false
	}
	e.ln = ln
	return true
}

func (s *memoryStore) LookupForward(port uint16) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.forwards[port]; e != nil {
		return e.sess
	}
	return nil
}

func (s *memoryStore) DeregisterForward(sess *Session) (net.Listener, []*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.forwards[sess.port]
	if e == nil || e.sess != sess {
		return nil, nil, false
	}
	delete(s.forwards, sess.port)
	var orphans []*Pending
	for id, p := range s.pending {
		if p.Port == sess.port {
			delete(s.pending, id)
			orphans = append(orphans, p)
		}
	}
	obs.ActiveForwards.Set(float64(len(s.forwards)))
	obs.PendingPairings.Set(float64(len(s.pending)))
	return e.ln, orphans, true
}

func (s *memoryStore) CreatePending(port uint16, conn net.Conn, buffered []byte) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		return nil, ErrPendingLimit
	}
	p := &Pending{ID: uuid.New(), Port: port, Conn: conn, Buffered: buffered, Created: s.clk.Now()}
	s.pending[p.ID] = p
	obs.PendingPairings.Set(float64(len(s.pending)))
	return p, nil
}

func (s *memoryStore) TakePending(id uuid.UUID) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	obs.PendingPairings.Set(float64(len(s.pending)))
	return p
}

func (s *memoryStore) CleanupExpired(maxAge time.Duration) int {
	var expired []*Pending
	s.mu.Lock()
	if s.closing {
		// On shutdown close all.
		for id, p := range s.pending {
			expired = append(expired, p)
			delete(s.pending, id)
		}
	} else {
		cutoff := s.clk.Now().Add(-maxAge)
		for id, p := range s.pending {
			if p.Created.Before(cutoff) {
				expired = append(expired, p)
				delete(s.pending, id)
			}
		}
	}
	s.timeouts += int64(len(expired))
	obs.PendingPairings.Set(float64(len(s.pending)))
	s.mu.Unlock()
	for _, p := range expired {
		_ = p.Conn.Close()
		obs.PairingTimeoutsTotal.Inc()
	}
	return len(expired)
}

func (s *memoryStore) ActivePorts() map[uint16]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[uint16]bool, len(s.forwards))
	for port := range s.forwards {
		active[port] = true
	}
	return active
}

func (s *memoryStore) CloseAll() {
	s.mu.Lock()
	var conns []net.Conn
	var listeners []net.Listener
	for port, e := range s.forwards {
		conns = append(conns, e.sess.conn)
		if e.ln != nil {
			listeners = append(listeners, e.ln)
		}
		delete(s.forwards, port)
	}
	for id, p := range s.pending {
		conns = append(conns, p.Conn)
		delete(s.pending, id)
	}
	obs.ActiveForwards.Set(0)
	obs.PendingPairings.Set(0)
	s.mu.Unlock()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *memoryStore) StartMaintenance(ctx context.Context) {}

func (s *memoryStore) SetClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *memoryStore) SetReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *memoryStore) Closing() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryStore) Ready() bool             { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *memoryStore) RecordTunnel() {
	s.mu.Lock()
	s.totalTunnels++
	s.mu.Unlock()
}

func (s *memoryStore) Stats() (int, int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards), len(s.pending), s.totalTunnels, s.timeouts
}

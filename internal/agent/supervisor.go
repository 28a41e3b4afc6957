package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matst80/burrow/internal/obs"
)

// State is the supervisor's connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateLost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateLost:
		return "lost"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor keeps one control connection alive, reconnecting with
// growing delays when the relay is unreachable. In-flight tunnels
// belong to the agent and drain independently of reconnects.
type Supervisor struct {
	agent *Agent
	clk   clock.Clock
	state atomic.Int32
}

// NewSupervisor wraps an agent in a reconnect loop. Run drives it.
func NewSupervisor(a *Agent) *Supervisor {
	return &Supervisor{agent: a, clk: clock.New()}
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		obs.Info("agent.state", obs.Fields{"from": old.String(), "to": st.String()})
	}
}

// Run connects, registers and serves the control loop until ctx is
// cancelled, retrying forever otherwise. The delay between consecutive
// failures grows by half each time up to the cap and resets once a
// registration goes through.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.agent.cfg
	delay := cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}
		s.setState(StateConnecting)
		conn, err := s.agent.connect()
		if err == nil {
			s.setState(StateRegistered)
			delay = cfg.BackoffInitial
			obs.Info("agent.registered", obs.Fields{"port": cfg.ForwardPort, "relay": cfg.RelayAddr})
			// Closing the socket is the only way to interrupt a blocked
			// control read.
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = s.agent.runControl(conn)
			stop()
			_ = conn.Close()
			if ctx.Err() != nil {
				s.setState(StateStopped)
				return nil
			}
			s.setState(StateLost)
			obs.Warn("agent.control.lost", obs.Fields{"err": err.Error()})
		} else {
			if ctx.Err() != nil {
				s.setState(StateStopped)
				return nil
			}
			obs.Warn("agent.connect", obs.Fields{"err": err.Error(), "relay": cfg.RelayAddr})
		}
		obs.Info("agent.retry", obs.Fields{"delay": delay.String()})
		t := s.clk.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState(StateStopped)
			return nil
		case <-t.C:
		}
		delay = nextBackoff(delay, cfg.BackoffMax)
	}
}

// nextBackoff grows the delay by half again, capped.
func nextBackoff(d, max time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > max {
		next = max
	}
	return next
}

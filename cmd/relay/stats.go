package main

import (
	"time"

	"github.com/matst80/burrow/internal/relay"
)

// Stats is the relay state snapshot served to dashboards and the API.
type Stats struct {
	Forwards     int    `json:"forwards"`
	Pending      int    `json:"pending"`
	TotalTunnels int64  `json:"total_tunnels"`
	Timeouts     int64  `json:"timeouts"`
	Now          string `json:"now"`
}

func collectStats(s relay.Store) Stats {
	f, p, total, timeouts := s.Stats()
	return Stats{Forwards: f, Pending: p, TotalTunnels: total, Timeouts: timeouts, Now: time.Now().UTC().Format(time.RFC3339)}
}

// ToTemplateMap returns the capitalized keys the dashboard template expects.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Forwards": s.Forwards,
		"Pending":  s.Pending,
		"Total":    s.TotalTunnels,
		"Timeouts": s.Timeouts,
	}
}

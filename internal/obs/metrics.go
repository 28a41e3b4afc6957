package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveForwards          = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_active_forwards", Help: "Currently registered forward ports"})
	PendingPairings         = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_pending_pairings", Help: "External connections waiting for a data channel"})
	ActiveTunnels           = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_active_tunnels", Help: "Paired tunnels currently pumping"})
	TunnelsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_tunnels_established_total", Help: "Tunnels paired"})
	PairingTimeoutsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_pairing_timeouts_total", Help: "Pending connections evicted before an agent claimed them"})
	HeartbeatsSentTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_heartbeats_sent_total", Help: "Keepalive frames sent on control connections"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "burrow_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

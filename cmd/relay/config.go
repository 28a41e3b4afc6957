package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/matst80/burrow/internal/relay"
)

// Config holds the relay's runtime configuration. Flag defaults can be
// overridden from the environment, and a .env file is honored when
// present.
type Config struct {
	TunnelAddr      string
	PublicHost      string
	MetricsAddr     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	HeartbeatWindow time.Duration
	PairingTimeout  time.Duration
	CleanupInterval time.Duration
	MaxPending      int
	ProxyProtocol   bool
	ConnRate        int
	GlobalConnRate  int
	ConnBurst       int
	Debug           bool
}

var cfg Config

// init registers flags into the global flag set. main() parses and uses cfg.
func init() {
	_ = godotenv.Load()
	flag.StringVar(&cfg.TunnelAddr, "tunnel", envOr("BURROW_TUNNEL_ADDR", ":9000"), "listen address for agent control and data connections")
	flag.StringVar(&cfg.PublicHost, "public-host", envOr("BURROW_PUBLIC_HOST", ""), "host for per-forward public listeners (empty = all interfaces)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", envOr("BURROW_METRICS_ADDR", ":9100"), "metrics, health and dashboard listen address")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOr("BURROW_REDIS_ADDR", ""), "redis address for fleet-visible forward state (empty = in-memory only)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envOr("BURROW_REDIS_PASSWORD", ""), "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envOrInt("BURROW_REDIS_DB", 0), "redis database index")
	flag.DurationVar(&cfg.HeartbeatWindow, "heartbeat-window", envOrDuration("BURROW_HEARTBEAT_WINDOW", relay.DefaultHeartbeatWindow), "control read window before a heartbeat is owed")
	flag.DurationVar(&cfg.PairingTimeout, "pairing-timeout", envOrDuration("BURROW_PAIRING_TIMEOUT", relay.DefaultPairingTimeout), "how long an external connection may wait for its data channel")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", envOrDuration("BURROW_CLEANUP_INTERVAL", relay.DefaultCleanupInterval), "sweep interval for expired pending connections")
	flag.IntVar(&cfg.MaxPending, "max-pending", envOrInt("BURROW_MAX_PENDING", relay.DefaultMaxPending), "cap on unpaired external connections")
	flag.BoolVar(&cfg.ProxyProtocol, "proxy-protocol", false, "expect a PROXY protocol v1 line on public connections")
	flag.IntVar(&cfg.ConnRate, "conn-rate", envOrInt("BURROW_CONN_RATE", 0), "accepted connections per second per forward (0 = unlimited)")
	flag.IntVar(&cfg.GlobalConnRate, "global-conn-rate", envOrInt("BURROW_GLOBAL_CONN_RATE", 0), "accepted connections per second across all forwards (0 = unlimited)")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", envOrInt("BURROW_CONN_BURST", relay.DefaultRateLimiterBurst), "rate limiter burst size")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

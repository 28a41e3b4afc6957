package main

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/matst80/burrow/internal/agent"
)

// Config holds the agent's runtime configuration. Flag defaults can be
// overridden from the environment, and a .env file is honored when
// present.
type Config struct {
	RelayAddr   string
	ForwardPort uint
	Target      string
	Heartbeat   time.Duration
	DialTimeout time.Duration
	MaxTunnels  int
	Debug       bool
}

var cfg Config

// init registers flags into the default flag set. main() parses, then
// derives the target default.
func init() {
	_ = godotenv.Load()
	flag.StringVar(&cfg.RelayAddr, "relay", envOr("BURROW_RELAY_ADDR", "127.0.0.1:9000"), "relay tunnel address")
	flag.UintVar(&cfg.ForwardPort, "port", envOrUint("BURROW_FORWARD_PORT", 25565), "public port to claim on the relay")
	flag.StringVar(&cfg.Target, "target", envOr("BURROW_TARGET", ""), "private service address; defaults to 127.0.0.1:<port>")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", envOrDuration("BURROW_HEARTBEAT", agent.DefaultHeartbeatInterval), "control liveness window")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", envOrDuration("BURROW_DIAL_TIMEOUT", agent.DefaultDialTimeout), "relay and target dial timeout")
	flag.IntVar(&cfg.MaxTunnels, "max-tunnels", envOrInt("BURROW_MAX_TUNNELS", 0), "cap on in-flight tunnels, oldest closed first (0 = unbounded)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// deriveDefaults points the target at the forwarded port on localhost
// unless -target was provided.
func (c *Config) deriveDefaults() {
	var targetSet bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "target" {
			targetSet = true
		}
	})
	if !targetSet && c.Target == "" {
		c.Target = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(c.ForwardPort)))
	}
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

func envOrUint(key string, def uint) uint {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint(n)
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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/burrow/internal/agent"
	"github.com/matst80/burrow/internal/obs"
)

func main() {
	flag.Parse()
	cfg.deriveDefaults()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.ForwardPort > 65535 {
		obs.Error("agent.config", obs.Fields{"err": "port out of range", "port": cfg.ForwardPort})
		os.Exit(1)
	}
	obs.Info("agent.start", obs.Fields{"relay": cfg.RelayAddr, "port": cfg.ForwardPort, "target": cfg.Target})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ag := agent.New(agent.Config{
		RelayAddr:         cfg.RelayAddr,
		ForwardPort:       uint16(cfg.ForwardPort),
		TargetAddr:        cfg.Target,
		HeartbeatInterval: cfg.Heartbeat,
		DialTimeout:       cfg.DialTimeout,
		MaxTunnels:        cfg.MaxTunnels,
	})
	sup := agent.NewSupervisor(ag)
	if err := sup.Run(ctx); err != nil {
		obs.Error("agent.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("agent.stopped", obs.Fields{"active": ag.ActiveTunnels()})
}

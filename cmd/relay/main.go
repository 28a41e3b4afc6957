package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/relay"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("relay.start", obs.Fields{"tunnel": cfg.TunnelAddr, "metrics": cfg.MetricsAddr})

	store, err := relay.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MaxPending)
	if err != nil {
		obs.Error("state.backend", obs.Fields{"err": err.Error(), "redis": cfg.RedisAddr})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go store.StartMaintenance(ctx)
	go startMetricsServer(cfg.MetricsAddr, store)

	d := relay.New(relay.Config{
		TunnelAddr:      cfg.TunnelAddr,
		PublicHost:      cfg.PublicHost,
		HeartbeatWindow: cfg.HeartbeatWindow,
		PairingTimeout:  cfg.PairingTimeout,
		CleanupInterval: cfg.CleanupInterval,
		ProxyProtocol:   cfg.ProxyProtocol,
		ConnRate:        cfg.ConnRate,
		GlobalConnRate:  cfg.GlobalConnRate,
		ConnBurst:       cfg.ConnBurst,
	}, store)
	if err := d.Run(ctx); err != nil {
		obs.Error("relay.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("relay.shutdown.complete", nil)
}

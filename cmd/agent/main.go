package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kvrouter/pkg/agent"
	"kvrouter/pkg/types"
)

// Heartbeat sender for a storage node. Env:
//
//	KVROUTER_URL   router base URL, e.g. http://router:8080
//	NODE_ID        address the router uses for this node, e.g. http://node-1:8081
//	HEARTBEAT_PERIOD  optional, default 5s
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	routerURL := os.Getenv("KVROUTER_URL")
	nodeID := os.Getenv("NODE_ID")
	if routerURL == "" || nodeID == "" {
		slog.Error("KVROUTER_URL and NODE_ID must be set")
		os.Exit(1)
	}

	period := agent.DefaultPeriod
	if v := os.Getenv("HEARTBEAT_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("bad HEARTBEAT_PERIOD", "value", v, "error", err)
			os.Exit(1)
		}
		period = d
	}

	a := agent.New(routerURL, types.NodeAddr(nodeID))
	// первый heartbeat сразу, не дожидаясь тика
	if err := a.Send(ctx); err != nil {
		slog.Warn("initial heartbeat failed", "error", err)
	}

	job := a.Job(period)
	job.Start(ctx)
	slog.Info("heartbeat agent started", "router", routerURL, "node", nodeID, "period", period)

	<-ctx.Done()
	job.Stop()
	slog.Info("heartbeat agent stopped")
}

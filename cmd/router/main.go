package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kvrouter/internal/config"
	httpserver "kvrouter/internal/http"
	"kvrouter/pkg/cluster"
	"kvrouter/pkg/dataplane"
	"kvrouter/pkg/health"
	"kvrouter/pkg/leader"
	"kvrouter/pkg/listener"
	"kvrouter/pkg/metrics"
	"kvrouter/pkg/router"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kvrouter failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogger(cfg.Logger)

	mreg := metrics.NewRegistry()

	var hasher cluster.Hasher
	if cfg.Directory.HashSeed != 0 {
		hasher = cluster.FNV64a(cfg.Directory.HashSeed)
	}
	dir := cluster.NewDirectory(hasher)

	registry := health.NewRegistry(
		health.WithStaleThreshold(cfg.Health.StaleThreshold),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
		health.WithMetrics(mreg),
	)

	rt := router.New(dir, registry,
		leader.NewHTTPProber(cfg.Router.LeaderProbeTimeout),
		dataplane.NewHTTPClient(),
		router.Config{
			LeaderProbeTimeout: cfg.Router.LeaderProbeTimeout,
			ForwardTimeout:     cfg.Router.ForwardTimeout,
			Metrics:            mreg,
		},
	)

	// фоновые задачи: sweep всегда, активные пробы по желанию
	jobs := []listener.Job{registry.SweepJob(cfg.Health.SweepInterval)}
	if cfg.Health.ProbeInterval > 0 {
		jobs = append(jobs, registry.ProbeJob(cfg.Health.ProbeInterval))
	}
	for _, j := range jobs {
		j.Start(ctx)
	}
	defer func() {
		for _, j := range jobs {
			j.Stop()
		}
	}()

	port := strconv.Itoa(cfg.Server.Port)
	opts := httpserver.Options{
		Port:              port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		TrackOnRegister:   cfg.Health.TrackOnRegister,
		Metrics:           mreg,
	}

	server := httpserver.NewServer(rt, dir, registry, opts)

	// --- ZooKeeper shard catalog ---
	if cfg.ZooKeeper.Enabled() {
		catalog, err := startCatalog(ctx, cfg, server.RegisterShard, port)
		if err != nil {
			return err
		}
		defer catalog.Close()
		server.SetCatalog(catalog)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	slog.Info("kvrouter started",
		"port", cfg.Server.Port,
		"sweep_interval", cfg.Health.SweepInterval,
		"stale_threshold", cfg.Health.StaleThreshold,
		"probe_interval", cfg.Health.ProbeInterval,
		"zookeeper", cfg.ZooKeeper.Enabled(),
	)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("kvrouter stopped")
	return nil
}

func startCatalog(ctx context.Context, cfg config.Config, register cluster.RegisterFunc, port string) (*cluster.ZKCatalog, error) {
	host, _ := os.Hostname()
	catalog, err := cluster.NewZKCatalog(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, host+":"+port, cfg.ZooKeeper.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}

	regCtx, cancel := context.WithTimeout(ctx, cfg.ZooKeeper.SessionTimeout)
	defer cancel()
	if err := catalog.RegisterSelf(regCtx); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("register router in zookeeper: %w", err)
	}

	// watcher перерегистрирует шарды при изменении каталога
	catalog.RunWatch(ctx, register)
	return catalog, nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/shardbouncer/shardbouncer/internal/admin"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/metrics"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/shardbouncer.yaml", "path to configuration file")
	flag.Parse()

	log := slog.Default()
	log.Info("shardbouncer starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath, "shards", len(cfg.Shards))

	m := metrics.New()
	clus := cluster.New(cfg.ToClusterConfig(pool.DefaultHealthProbe))
	r := router.NewRouter(router.NewRegexParser(), router.NewHashFunction(cfg.HashFunction))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Listen.PostgresPort)))
	if err != nil {
		log.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	go acceptLoop(ctx, listener, clus, r, log)

	adminServer := admin.NewServer(clus, m, cfg.Listen.AdminBind)
	if err := adminServer.Start(cfg.Listen.AdminPort); err != nil {
		log.Error("failed to start admin server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Info("reloading configuration")
		clus.Reload(newCfg.ToClusterConfig(pool.DefaultHealthProbe))
	})
	if err != nil {
		log.Warn("config hot-reload not available", "err", err)
	}

	log.Info("shardbouncer ready", "pg_port", cfg.Listen.PostgresPort, "admin_port", cfg.Listen.AdminPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	_ = listener.Close()
	if configWatcher != nil {
		_ = configWatcher.Stop()
	}
	_ = adminServer.Stop()
	clus.Close()

	log.Info("shardbouncer stopped")
}

// acceptLoop accepts client connections and spawns one Session per
// connection until ctx is cancelled, the same shape as the teacher's
// proxy.Server.ListenPostgres accept loop.
func acceptLoop(ctx context.Context, listener net.Listener, clus *cluster.Cluster, r *router.Router, log *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("accept error", "err", err)
				continue
			}
		}
		go func() {
			defer conn.Close()
			sess := session.New(conn, clus, r, log)
			if err := sess.Run(ctx); err != nil {
				log.Debug("session ended", "err", err)
			}
		}()
	}
}

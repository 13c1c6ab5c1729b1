package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pricefeed-pool/internal/auth"
	"github.com/rickgao/pricefeed-pool/internal/config"
	"github.com/rickgao/pricefeed-pool/internal/database"
	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/monitor"
	"github.com/rickgao/pricefeed-pool/internal/pool"
	"github.com/rickgao/pricefeed-pool/internal/publish"
	"github.com/rickgao/pricefeed-pool/internal/router"
	"github.com/rickgao/pricefeed-pool/internal/version"
	"github.com/rickgao/pricefeed-pool/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/feedpool.local.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting feedpool",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(*configPath, logger); err != nil {
		logger.Error("feedpool failed", "error", err)
		os.Exit(1)
	}

	logger.Info("feedpool stopped")
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	creds, err := auth.LoadCredentials(cfg.Feed.Token, cfg.Feed.TokenPath)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"urls", len(cfg.Feed.URLs),
		"connections", cfg.Feed.NumConnections,
		"token", creds.Redacted(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	p, err := pool.New(pool.Config{
		URLs:           cfg.Feed.URLs,
		Token:          creds.Token,
		NumConnections: cfg.Feed.NumConnections,
		DedupTTL:       cfg.Feed.DedupTTL,
		Link: link.Config{
			HandshakeTimeout:   cfg.Feed.HandshakeTimeout,
			PingInterval:       cfg.Feed.PingInterval,
			PingTimeout:        cfg.Feed.PingTimeout,
			WriteTimeout:       cfg.Feed.WriteTimeout,
			ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		},
	}, pool.WithLogger(logger), pool.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	p.AddErrorListener(func(err error) {
		logger.Warn("feed error", "error", err)
	})

	mon := monitor.New(monitor.Config{Interval: cfg.Monitor.Interval}, p, m, logger)

	// Archive: router -> writer -> TimescaleDB
	var (
		rt  router.Router
		aw  *writer.ArchiveWriter
		db  *pgxpool.Pool
		nc  *nats.Conn
		rep *publish.Republisher
	)
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		db, err = database.Connect(ctx, cfg.Archive.Database, "feedpool-"+cfg.Instance.ID)
		if err != nil {
			p.Shutdown()
			return fmt.Errorf("connect archive: %w", err)
		}
		defer db.Close()

		if err := database.EnsureSchema(ctx, db); err != nil {
			p.Shutdown()
			return err
		}

		rcfg := router.DefaultConfig()
		rcfg.MaxBufferSize = cfg.Archive.BufferSize
		rt = router.New(rcfg, logger)
		rt.Start(ctx)
		p.AddMessageListener(rt.Listener())

		aw = writer.NewArchiveWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			Source:        p.ID(),
		}, rt.Updates(), db, m, logger)
		aw.Start(ctx)

		mon.Add("router", func() any { return rt.Stats() })
		mon.Add("archive", func() any { return aw.Stats() })
	}

	// Republish: pool -> NATS
	if cfg.Publish.URL != "" {
		nc, err = publish.Connect(cfg.Publish.URL, cfg.Publish.Name, logger)
		if err != nil {
			p.Shutdown()
			return fmt.Errorf("connect nats: %w", err)
		}
		rep = publish.New(nc, cfg.Publish.SubjectPrefix, m, logger)
		p.AddMessageListener(rep.Listener())
		mon.Add("publish", func() any { return rep.Stats() })

		logger.Info("republishing to nats",
			"url", cfg.Publish.URL,
			"prefix", cfg.Publish.SubjectPrefix,
		)
	}

	for _, s := range cfg.Feed.Subscriptions {
		if err := p.AddSubscription(s.Request()); err != nil {
			p.Shutdown()
			return fmt.Errorf("subscription %d: %w", s.ID, err)
		}
	}

	mon.Start(ctx)

	var archive pinger
	if db != nil {
		archive = db
	}

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(p, archive))
	mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop intake first so the writer drains a closed buffer.
		p.Shutdown()
		if rt != nil {
			rt.Stop(shutdownCtx)
		}
		if aw != nil {
			aw.Stop(shutdownCtx)
		}
		if nc != nil {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		}
		mon.Stop(shutdownCtx)

		return server.Shutdown(shutdownCtx)
	})

	logger.Info("feedpool running",
		"instance_id", cfg.Instance.ID,
		"pool", p.ID(),
		"subscriptions", len(cfg.Feed.Subscriptions),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	return g.Wait()
}

// streamtest connects a feed pool and prints the deduplicated stream to console.
// Usage: go run ./cmd/streamtest --config configs/feedpool.local.yaml
//
// Required environment variables (when referenced from the config):
//
//	PRICEFEED_TOKEN - Access token for the price feed endpoints
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/pricefeed-pool/internal/auth"
	"github.com/rickgao/pricefeed-pool/internal/config"
	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/pool"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
	"github.com/rickgao/pricefeed-pool/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/feedpool.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	feeds := flag.String("feeds", "", "comma-separated price feed ids; overrides configured subscriptions")
	channel := flag.String("channel", "fixed_rate@200ms", "channel used with -feeds")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	subs, err := subscriptions(cfg.Feed.Subscriptions, *feeds, *channel)
	if err != nil {
		logger.Error("invalid -feeds", "error", err)
		os.Exit(1)
	}
	if len(subs) == 0 {
		logger.Error("no subscriptions: configure feed.subscriptions or pass -feeds")
		os.Exit(1)
	}

	creds, err := auth.LoadCredentials(cfg.Feed.Token, cfg.Feed.TokenPath)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		logger.Info("Set feed.token (e.g. ${PRICEFEED_TOKEN}) or feed.token_path")
		os.Exit(1)
	}
	logger.Info("using access token", "token", creds.Redacted())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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
	}, pool.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		os.Exit(1)
	}

	rtr := router.New(router.DefaultConfig(), logger)
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	p.AddMessageListener(rtr.Listener())
	p.AddMessageListener(func(msg pool.Message) {
		switch {
		case msg.Binary:
			fmt.Printf("[BINARY] link=%d bytes=%d\n", msg.LinkID, len(msg.Data))
		case msg.Envelope.Kind == protocol.KindStreamUpdated:
			// Printed per feed from the router buffer.
		default:
			fmt.Printf("[%s] link=%d %s\n", strings.ToUpper(msg.Envelope.Kind.String()), msg.LinkID, msg.Data)
		}
	})
	p.AddErrorListener(func(err error) {
		logger.Warn("feed error", "error", err)
	})

	for _, s := range subs {
		if err := p.AddSubscription(s.Request()); err != nil {
			logger.Error("failed to subscribe", "id", s.ID, "error", err)
			os.Exit(1)
		}
	}

	go printUpdates(ctx, rtr.Updates(), *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps := p.Stats()
				rs := rtr.Stats()
				logger.Info("stats",
					"links_connected", ps.LinksConnected,
					"subscriptions", ps.Subscriptions,
					"received", ps.Received,
					"forwarded", ps.Forwarded,
					"duplicates", ps.Duplicates,
					"cache_size", ps.CacheSize,
					"updates_routed", rs.UpdatesRouted,
					"parse_errors", rs.ParseErrors,
					"update_buf", rs.Buffer.Count,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "subscriptions", len(subs))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	p.Shutdown()
	rtr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

// subscriptions returns the configured subscriptions, or a single one built
// from the -feeds flag when it is set.
func subscriptions(configured []config.SubscriptionConfig, feeds, channel string) ([]config.SubscriptionConfig, error) {
	if feeds == "" {
		return configured, nil
	}

	var ids []int64
	for _, f := range strings.Split(feeds, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("feed id %q: %w", f, err)
		}
		ids = append(ids, id)
	}

	parsed := true
	return []config.SubscriptionConfig{{
		ID:             1,
		PriceFeedIDs:   ids,
		Properties:     []string{"price", "bestBidPrice", "bestAskPrice", "exponent"},
		Chains:         []string{"evm"},
		DeliveryFormat: "json",
		Channel:        channel,
		Parsed:         &parsed,
	}}, nil
}

func printUpdates(ctx context.Context, buf *router.Buffer[router.PriceUpdate], verbose bool) {
	for {
		u, ok := buf.Receive(ctx)
		if !ok {
			return
		}

		if verbose {
			data, _ := json.MarshalIndent(u, "", "  ")
			fmt.Printf("[UPDATE] %s\n", data)
			continue
		}
		fmt.Printf("[UPDATE] feed=%d ts=%d price=%s bid=%s ask=%s exp=%d link=%d\n",
			u.PriceFeedID, u.TimestampUs, u.Price, u.BestBidPrice, u.BestAskPrice, u.Exponent, u.LinkID)
	}
}

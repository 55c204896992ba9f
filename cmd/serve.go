package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/metrics"
	"tidbyt.dev/journey/natsrpc"
	"tidbyt.dev/journey/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves journey queries over HTTP, and NATS if configured",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var (
	addr      string
	natsURL   string
	rateLimit int
)

func init() {
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVarP(&natsURL, "nats-url", "", "", "NATS server URL (overrides config)")
	serveCmd.Flags().IntVarP(&rateLimit, "rate-limit", "", 0, "Max HTTP queries per second, 0 for unlimited")
	rootCmd.AddCommand(serveCmd)
}

// Loads every feed, returning how many succeeded.
func loadAll(ctx context.Context, manager *journey.Manager, feeds []string, logger *slog.Logger) int {
	loaded := 0
	for _, feed := range feeds {
		_, err := manager.Load(ctx, feed)
		if err != nil {
			logging.LogError(logger, "loading feed", err, slog.String("source", feed))
			continue
		}
		loaded++
	}
	return loaded
}

// Refreshes the feeds loaded so far, and retries those that never
// loaded.
func refreshFeeds(ctx context.Context, manager *journey.Manager, feeds []string, logger *slog.Logger) {
	if err := manager.Refresh(ctx); err != nil {
		logging.LogError(logger, "refreshing feeds", err)
	}

	loaded := map[string]bool{}
	for _, source := range manager.Sources() {
		loaded[source] = true
	}
	missing := []string{}
	for _, feed := range feeds {
		if !loaded[feed] {
			missing = append(missing, feed)
		}
	}
	loadAll(ctx, manager, missing, logger)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	manager, err := newManager(cfg, logger, journey.WithMetrics(collector))
	if err != nil {
		return err
	}
	manager.Observer = collector

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if loadAll(ctx, manager, cfg.Feeds, logger) == 0 {
		return fmt.Errorf("no feed could be loaded")
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("journey"),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", slog.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info("nats reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()

		service := natsrpc.NewService(manager, cfg.Feeds[0], cfg.NATS.Subject, logger)
		if err := service.Start(nc); err != nil {
			return err
		}
		defer service.Stop()
	}

	if cfg.Feed.RefreshInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Feed.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					start := time.Now()
					refreshFeeds(ctx, manager, cfg.Feeds, logger)
					collector.ObserveRefresh(time.Since(start))
				}
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(manager, server.Config{
			Feeds:     cfg.Feeds,
			Metrics:   collector.Handler(),
			RateLimit: rateLimit,
			Logger:    logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http_listening", slog.String("addr", cfg.Server.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

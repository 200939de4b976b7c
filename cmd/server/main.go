package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/xtrntr/bullion/internal/api"
	"github.com/xtrntr/bullion/internal/auth"
	"github.com/xtrntr/bullion/internal/config"
	"github.com/xtrntr/bullion/internal/db"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/logging"
	"github.com/xtrntr/bullion/internal/pricefeed"
	"github.com/xtrntr/bullion/internal/trigger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Main entry point: sets up storage, the exchange, the price feed and the HTTP server
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close(context.Background())
	logger.Info("database ready", zap.String("driver", cfg.Database.Driver))

	ex := exchange.NewExchange(database, exchange.WithLogger(logger))
	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Trading.StartingCash.Decimal)
	feed := pricefeed.NewFeed(logger)

	evaluator := trigger.NewEvaluator(ex,
		trigger.WithLogger(logger),
		trigger.WithExpiry(cfg.Trading.OrderTTL, cfg.Trading.ExpiryInterval),
	)
	// Unlike websocket clients, the evaluator never loses the newest quote of a commodity.
	quotes := feed.SubscribeLatest(ctx)

	handler := api.NewHandler(ex, authService, feed, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, cfg.Server.AllowedOrigins, cfg.Feed.PushToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var natsConn *nats.Conn
	if cfg.Feed.NATSURL != "" {
		natsConn, err = pricefeed.ConnectNATS(cfg.Feed.NATSURL, logger)
		if err != nil {
			return err
		}
		defer natsConn.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return evaluator.Run(gctx, quotes)
	})

	if natsConn != nil {
		g.Go(func() error {
			return feed.ConsumeNATS(gctx, natsConn, cfg.Feed.Subject)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

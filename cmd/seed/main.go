package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/auth"
	"github.com/xtrntr/bullion/internal/config"
	"github.com/xtrntr/bullion/internal/db"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/logging"
	"github.com/xtrntr/bullion/internal/models"
	"go.uber.org/zap"
)

const seedPassword = "password123"

type seedTrade struct {
	commodity models.Commodity
	action    models.Action
	quantity  int64
	price     string
}

var seedTrades = map[string][]seedTrade{
	"trader1": {
		{models.Gold, models.Buy, 3, "1950.25"},
		{models.Silver, models.Buy, 100, "24.10"},
		{models.Gold, models.Sell, 1, "1975.50"},
	},
	"trader2": {
		{models.Silver, models.Buy, 250, "23.85"},
		{models.Gold, models.Buy, 2, "1960"},
	},
}

// Seed the database with demo users, trades and a pending order
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

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close(ctx)

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Trading.StartingCash.Decimal)
	ex := exchange.NewExchange(database, exchange.WithLogger(logger))

	for _, username := range []string{"trader1", "trader2"} {
		user, err := authService.Register(ctx, username, seedPassword)
		if errors.Is(err, auth.ErrUsernameTaken) {
			logger.Info("user already exists, skipping", zap.String("username", username))
			continue
		}
		if err != nil {
			logger.Fatal("failed to create user", zap.String("username", username), zap.Error(err))
		}

		for _, st := range seedTrades[username] {
			_, err := ex.Execute(ctx, exchange.MarketOrder{
				UserID:    user.ID,
				Commodity: st.commodity,
				Action:    st.action,
				Quantity:  st.quantity,
				Price:     decimal.RequireFromString(st.price),
			})
			if err != nil {
				logger.Fatal("failed to seed trade", zap.String("username", username), zap.Error(err))
			}
		}

		order, err := ex.Admit(ctx, exchange.PendingOrderRequest{
			UserID:       user.ID,
			Commodity:    models.Gold,
			Action:       models.Buy,
			Quantity:     1,
			TriggerPrice: decimal.NewFromInt(1900),
			Kind:         models.Limit,
		})
		if err != nil {
			logger.Fatal("failed to seed pending order", zap.String("username", username), zap.Error(err))
		}
		logger.Info("seeded user",
			zap.String("username", username),
			zap.Int("trades", len(seedTrades[username])),
			zap.Int("pending_order_id", order.ID),
		)
	}

	logger.Info("successfully seeded the database")
}

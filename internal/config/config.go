package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the bullion service.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Auth     Auth     `yaml:"auth"`
	Trading  Trading  `yaml:"trading"`
	Feed     Feed     `yaml:"feed"`
	Logging  Logging  `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Database selects the storage backend.
type Database struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// Auth configures token issuance.
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Trading holds account and pending order parameters.
type Trading struct {
	StartingCash Amount `yaml:"starting_cash"`
	// OrderTTL is how long an order may stay Pending. Zero disables expiry.
	OrderTTL       time.Duration `yaml:"order_ttl"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// Feed configures the price sources. An empty NATSURL disables the NATS
// subscription and an empty PushToken disables HTTP quote push.
type Feed struct {
	NATSURL   string `yaml:"nats_url"`
	Subject   string `yaml:"subject"`
	PushToken string `yaml:"push_token"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Amount is a decimal money amount that decodes from a YAML number or string.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler
func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", n.Value, err)
	}
	a.Decimal = d
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Database: Database{
			Driver: "sqlite",
			URL:    "bullion.db",
		},
		Auth: Auth{
			TokenTTL: 24 * time.Hour,
		},
		Trading: Trading{
			StartingCash:   Amount{decimal.NewFromInt(100000)},
			ExpiryInterval: time.Minute,
		},
		Feed: Feed{
			Subject: "prices.>",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML configuration file at path over the defaults, applies
// environment variable overrides and validates the result. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Feed.NATSURL = v
	}
	if v := os.Getenv("FEED_PUSH_TOKEN"); v != "" {
		cfg.Feed.PushToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate reports every setting the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (or set JWT_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Trading.StartingCash.IsNegative() {
		errs = append(errs, errors.New("trading.starting_cash must not be negative"))
	}
	if c.Trading.OrderTTL < 0 {
		errs = append(errs, errors.New("trading.order_ttl must not be negative"))
	}
	if c.Trading.OrderTTL > 0 && c.Trading.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("trading.expiry_interval must be positive when order_ttl is set"))
	}
	if c.Feed.NATSURL != "" && c.Feed.Subject == "" {
		errs = append(errs, errors.New("feed.subject is required when feed.nats_url is set"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

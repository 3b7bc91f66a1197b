package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string          `env:"PORT" envDefault:"8080"`
	ListenAddress         string          `env:"LISTEN_ADDRESS"`
	AllowedOrigin         string          `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	DatabaseURL           string          `env:"DATABASE_URL"`
	RedisAddr             string          `env:"REDIS_ADDR"`
	RedisPassword         string          `env:"REDIS_PASSWORD"`
	RedisDB               int             `env:"REDIS_DB" envDefault:"0"`
	StoreID               string          `env:"DEFAULT_STORE_ID" envDefault:"main-store"`
	AuthSecret            string          `env:"AUTH_SECRET"`
	AccessTokenTTLMinutes int             `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"480"`
	TaxRatePercent        decimal.Decimal `env:"TAX_RATE_PERCENT" envDefault:"11"`
	ReceiptStoreName      string          `env:"RECEIPT_STORE_NAME" envDefault:"KasirinAja POS"`
	ReceiptFooter         string          `env:"RECEIPT_FOOTER" envDefault:"Terima kasih"`
	ParkedTTL             time.Duration   `env:"PARKED_TTL" envDefault:"24h"`
	ReaperInterval        time.Duration   `env:"REAPER_INTERVAL" envDefault:"10m"`
	LedgerRetryBackoff    time.Duration   `env:"LEDGER_RETRY_BACKOFF" envDefault:"50ms"`
	CheckoutTimeout       time.Duration   `env:"CHECKOUT_TIMEOUT" envDefault:"15s"`
	RollbackTimeout       time.Duration   `env:"ROLLBACK_TIMEOUT" envDefault:"10s"`
	KafkaBrokers          string          `env:"KAFKA_BROKERS"`
	KafkaSalesTopic       string          `env:"KAFKA_SALES_TOPIC" envDefault:"pos.sales"`
	LogFormat             string          `env:"LOG_FORMAT" envDefault:"json"`
}

func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs reads the environment, then lets -a set the listen address when
// LISTEN_ADDRESS is not exported.
func LoadArgs(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	envAddress := cfg.ListenAddress

	fs := flag.NewFlagSet("pos", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddress, "a", "", "address and port for the HTTP server")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if envAddress != "" {
		cfg.ListenAddress = envAddress
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.StoreID = strings.TrimSpace(cfg.StoreID)
	if cfg.StoreID == "" {
		cfg.StoreID = "main-store"
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.TaxRatePercent.IsNegative() || c.TaxRatePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("TAX_RATE_PERCENT must be in [0, 100), got %s", c.TaxRatePercent))
	}
	for name, d := range map[string]time.Duration{
		"PARKED_TTL":       c.ParkedTTL,
		"REAPER_INTERVAL":  c.ReaperInterval,
		"CHECKOUT_TIMEOUT": c.CheckoutTimeout,
		"ROLLBACK_TIMEOUT": c.RollbackTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.LedgerRetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RETRY_BACKOFF must not be negative, got %s", c.LedgerRetryBackoff))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	if c.ListenAddress != "" {
		return c.ListenAddress
	}
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

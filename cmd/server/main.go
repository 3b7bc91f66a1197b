package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirinaja/pos/internal/checkout"
	"kasirinaja/pos/internal/config"
	"kasirinaja/pos/internal/events"
	"kasirinaja/pos/internal/httpapi"
	"kasirinaja/pos/internal/ledger"
	"kasirinaja/pos/internal/metrics"
	"kasirinaja/pos/internal/parked"
	"kasirinaja/pos/internal/receipt"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
	pgstore "kasirinaja/pos/internal/store/postgres"
	redisstore "kasirinaja/pos/internal/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		repo    store.Repository
		checks  []func(context.Context) error
		closers []func() error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				sugar.Warnf("close error: %v", err)
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(setupCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		repo = pg
		checks = append(checks, pg.Ping)
		closers = append(closers, pg.Close)
		sugar.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		sugar.Info("repository: in-memory")
	}

	var parkedBackend store.ParkedCartStore = repo
	if cfg.RedisAddr != "" {
		rs := redisstore.NewParkedCartStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(setupCtx); err != nil {
			_ = rs.Close()
			return fmt.Errorf("redis unavailable and REDIS_ADDR is set: %w", err)
		}
		parkedBackend = rs
		checks = append(checks, rs.Ping)
		closers = append(closers, rs.Close)
		sugar.Info("parked carts: redis")
	} else {
		sugar.Info("parked carts: repository")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher = events.NewKafkaPublisher(brokers, cfg.KafkaSalesTopic)
		closers = append(closers, publisher.Close)
		sugar.Infof("sale events: kafka topic %s", cfg.KafkaSalesTopic)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stock := ledger.New(repo,
		ledger.WithBackoff(cfg.LedgerRetryBackoff),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(m),
	)
	receipts := receipt.NewGenerator(receipt.Config{
		TaxRatePercent: cfg.TaxRatePercent,
		StoreName:      cfg.ReceiptStoreName,
		Footer:         splitFooter(cfg.ReceiptFooter),
	}, repo, logger.Named("receipt"))
	coordinator := checkout.New(stock, repo, receipts,
		checkout.WithLogger(logger.Named("checkout")),
		checkout.WithMetrics(m),
		checkout.WithPublisher(publisher),
		checkout.WithRollbackTimeout(cfg.RollbackTimeout),
	)
	parkedCarts := parked.New(parkedBackend,
		parked.WithTTL(cfg.ParkedTTL),
		parked.WithLogger(logger.Named("parked")),
		parked.WithMetrics(m),
	)

	svc := service.New(service.Deps{
		Catalog:     repo,
		Sales:       repo,
		Coordinator: coordinator,
		Parked:      parkedCarts,
		Receipts:    receipts,
	}, cfg.StoreID,
		service.WithCheckoutTimeout(cfg.CheckoutTimeout),
		service.WithLogger(logger.Named("service")),
	)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithMetrics(m, reg),
		httpapi.WithHealthCheck(healthCheck(checks)),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.CheckoutTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infof("POS checkout listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runReaper(gctx, parkedCarts, cfg.ReaperInterval, logger.Named("reaper"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// runReaper drops expired parked carts until ctx is done.
func runReaper(ctx context.Context, carts *parked.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := carts.Reap(ctx, now); err != nil && ctx.Err() == nil {
				logger.Warn("reap parked carts", zap.Error(err))
			}
		}
	}
}

func healthCheck(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// splitFooter turns RECEIPT_FOOTER into receipt lines; "|" separates lines.
func splitFooter(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "|") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if strings.TrimSpace(cfg.AllowedOrigin) == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin, not a wildcard")
	}
	return nil
}

// Package main provides the referral distributor entry point: contract
// discovery, price and balance snapshots, reward payouts and the read API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/alert"
	"github.com/referral-distributor/internal/api"
	"github.com/referral-distributor/internal/balance"
	"github.com/referral-distributor/internal/config"
	"github.com/referral-distributor/internal/discovery"
	"github.com/referral-distributor/internal/distribution"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/oracle"
	"github.com/referral-distributor/internal/referral"
	"github.com/referral-distributor/internal/storage"
	"github.com/referral-distributor/internal/worker"
)

type options struct {
	rescan  bool
	apiOnly bool
	once    bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.rescan, "rescan", false, "replay stored contract responses to backfill referrals before starting")
	flag.BoolVar(&opts.apiOnly, "api-only", false, "serve the read API without discovery, pricing or payouts")
	flag.BoolVar(&opts.once, "once", false, "run a single distribution tick and exit")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !opts.apiOnly {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":    cfg.Logging.Level,
		"format":   cfg.Logging.Format,
		"api_only": opts.apiOnly,
		"once":     opts.once,
	}).Info("Referral distributor starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	notifier, err := alert.NewNotifier(cfg.Alerts)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	defer notifier.Close()

	// Databases
	logger.Info("Running Postgres migrations")
	if err := storage.RunMigrations(cfg.Database.Postgres.URL()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer postgres.Close()

	distributions := storage.NewDistributionRepository(postgres)
	holders := storage.NewHolderRepository(postgres)
	checks := map[string]api.HealthCheck{"postgres": postgres.Ping}

	var assetInfoCache oracle.AssetInfoCache
	if cfg.Database.Redis.Host != "" {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redis.Close()
		assetInfoCache = redis
		checks["redis"] = redis.Ping
	} else {
		logger.Info("Redis not configured, caching asset metadata in memory")
	}

	var (
		historySink   oracle.HistorySink
		historyReader api.PriceHistoryReader
	)
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer clickhouse.Close()
		if err := storage.RunClickHouseMigrations(ctx, clickhouse); err != nil {
			return fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
		priceHistory := storage.NewPriceHistoryRepository(clickhouse)
		historySink = priceHistory
		historyReader = priceHistory
		checks["clickhouse"] = clickhouse.Ping
	} else {
		logger.Info("ClickHouse not configured, price history disabled")
	}

	// Ledger and feeds
	ledger, err := adapter.NewLedgerClient(adapter.LedgerClientConfig{
		Endpoint:          cfg.Ledger.QueryURL,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Timeout:           cfg.Ledger.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	clock := clockwork.NewRealClock()
	registry := discovery.NewRegistry()
	prices := oracle.New(oracle.Config{
		Market:      adapter.NewMarketFeed(cfg.Feeds.MarketDataURL, cfg.Feeds.MarketDataTimeout, nil),
		Rates:       adapter.NewRateFeed(nil, adapter.NewCoinGecko(cfg.Feeds.CoinGeckoURL, nil), adapter.NewCryptoCompare(cfg.Feeds.CryptoCompareURL, nil)),
		Ledger:      ledger,
		Instruments: registry,
		AssetInfo:   oracle.NewAssetInfoResolver(ledger, cfg.Contracts.TokenRegistryAA, assetInfoCache, clock),
		History:     historySink,
		Clock:       clock,
	})

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
	}, api.Deps{
		Distributions: distributions,
		Holders:       holders,
		Prices:        prices,
		History:       historyReader,
		Checks:        checks,
	})

	if opts.apiOnly {
		return serve(ctx, server, nil)
	}

	wallet, err := adapter.NewWalletClient(cfg.Ledger.WalletURL, cfg.Ledger.RequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("failed to create wallet client: %w", err)
	}

	var (
		stream  *adapter.EventStream
		watcher discovery.Watcher
	)
	if cfg.Ledger.EventsURL != "" && !opts.once {
		stream, err = adapter.NewEventStream(ctx, cfg.Ledger.EventsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect event stream: %w", err)
		}
		defer stream.Close()
		watcher = stream
		if cfg.Contracts.PoolFactoryAA != "" {
			if err := stream.Watch(cfg.Contracts.PoolFactoryAA); err != nil {
				logger.WithError(err).Warn("Failed to watch pool factory")
			}
		}
		if err := stream.Watch(cfg.Contracts.PayoutCurveAA); err != nil {
			logger.WithError(err).Warn("Failed to watch payout curve")
		}
	}

	pipeline := discovery.NewPipeline(ledger, discovery.Templates{
		Curves:         cfg.Contracts.CurveBaseAAs,
		Deposit:        cfg.Contracts.DepositBaseAA,
		Collateralized: cfg.Contracts.T1ArbBaseAAs,
		Interest:       cfg.Contracts.InterestArbBaseAA,
		PoolFactory:    cfg.Contracts.PoolFactoryAA,
	}, registry, watcher)

	machine, err := distribution.New(distribution.Config{
		OperatorAddress: cfg.Ledger.OperatorAddress,
		PayoutAsset:     cfg.Contracts.PayoutAsset,
		PayoutCurve:     cfg.Contracts.PayoutCurveAA,
		PayoutDecimals:  cfg.Contracts.PayoutDecimals,
		Interval:        cfg.Distribution.Interval,
		ReferrerRate:    cfg.Distribution.ReferrerReward,
		ReferredRate:    cfg.Distribution.ReferredReward,
		Cap:             cfg.Distribution.MaxTotalReward,
		MaxFeePercent:   cfg.Distribution.MaxFeePercent,
		BatchSize:       cfg.Distribution.BatchSize(),
		RetryDelay:      cfg.Distribution.PaymentRetryDelay,
	}, distribution.Deps{
		Store:    distributions,
		Holders:  holders,
		Prices:   prices,
		Balances: balance.NewAggregator(ledger, registry, cfg.Contracts.ContractLedgers(), clock),
		Ledger:   ledger,
		Wallet:   wallet,
		Notifier: notifier,
		Clock:    clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create distribution machine: %w", err)
	}
	machine.SetBaseContext(ctx)
	defer machine.Close()

	tracker := referral.NewTracker(ledger, holders, registry, cfg.Contracts.BufferBaseAA, clock)

	// Startup
	if err := pipeline.Scan(ctx); err != nil {
		return fmt.Errorf("contract scan failed: %w", err)
	}
	if opts.rescan {
		if err := tracker.Rescan(ctx); err != nil {
			return fmt.Errorf("referral rescan failed: %w", err)
		}
	}
	if err := prices.UpdatePrices(ctx); err != nil {
		logger.WithError(err).Warn("Initial price update failed, the first tick will retry")
	}

	tickWorker, err := worker.NewPeriodicWorker(&worker.PeriodicWorkerConfig{
		Name:       "distribution",
		Interval:   cfg.Distribution.TickInterval,
		Job:        machine.Tick,
		RunOnStart: true,
		Notifier:   notifier,
		Clock:      clock,
	})
	if err != nil {
		return err
	}

	if opts.once {
		return tickWorker.RunOnce(ctx)
	}

	priceWorker, err := worker.NewPeriodicWorker(&worker.PeriodicWorkerConfig{
		Name:     "prices",
		Interval: cfg.Distribution.PriceRefreshInterval,
		Job:      prices.UpdatePrices,
		Notifier: notifier,
		Clock:    clock,
	})
	if err != nil {
		return err
	}

	if stream != nil {
		router, err := worker.NewEventRouter(&worker.EventRouterConfig{
			Discovery:     pipeline,
			Referrals:     tracker,
			Confirmations: machine,
		})
		if err != nil {
			return err
		}
		go router.Run(ctx, stream.Events())
	} else {
		logger.Warn("No event stream configured, referrals and acquisitions rely on ticks only")
	}

	workers := []*worker.PeriodicWorker{tickWorker, priceWorker}
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	return serve(ctx, server, workers)
}

// serve runs the API until ctx is done, then stops the workers and the server
func serve(ctx context.Context, server *api.Server, workers []*worker.PeriodicWorker) error {
	logger := logging.FromContext(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("API server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			logger.WithError(err).WithField("worker", w.Name()).Warn("Worker did not stop cleanly")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server forced to shut down")
	}

	logger.Info("Referral distributor exited")
	return runErr
}

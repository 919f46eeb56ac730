// Package main implements the settlementd service for GOMP mining pool.
// This service settles confirmed blocks into the historical ledger on a jittered schedule.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/gomp-settlement/internal/accounting"
	"github.com/bardlex/gomp-settlement/internal/config"
	"github.com/bardlex/gomp-settlement/internal/daemon"
	"github.com/bardlex/gomp-settlement/internal/database"
	"github.com/bardlex/gomp-settlement/internal/database/influx"
	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/internal/database/redis"
	"github.com/bardlex/gomp-settlement/internal/messaging"
	"github.com/bardlex/gomp-settlement/internal/metrics"
	"github.com/bardlex/gomp-settlement/internal/settlement"
	"github.com/bardlex/gomp-settlement/pkg/circuit"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting settlementd",
		"version", cfg.Version,
		"pool", cfg.PoolName,
		"interval", cfg.PaymentsInterval.String(),
		"auxiliary_enabled", cfg.AuxiliaryEnabled,
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("settlementd failed")
		os.Exit(1)
	}

	logger.Info("settlementd stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewSettlement(cfg.PoolName)

	if cfg.RunMigrations {
		applied, err := postgres.Migrate(cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations checked", "applied", applied)
	}

	// Open database connections
	manager, err := database.NewManager(databaseConfig(cfg, m, logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	if err := checkHealth(ctx, manager, 10*time.Second, logger); err != nil {
		return err
	}

	go drainInfluxErrors(ctx, manager.Influx, m, logger)

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close kafka client")
		}
	}()

	accountant, err := accounting.NewProportional(cfg.PoolFeePercent, logger)
	if err != nil {
		return err
	}

	// Verify blocks against the coin daemons that are configured
	for chain, daemonCfg := range daemonConfigs(cfg) {
		client, err := daemon.NewRPCClient(daemonCfg, "daemon_"+string(chain))
		if err != nil {
			return err
		}
		defer client.Close()
		accountant.Verify(chain, client)
		logger.Info("block verification enabled", "track", string(chain), "host", daemonCfg.Host)
	}

	settlementCfg := settlementConfig(cfg)
	reporter := newSettlementReporter(kafkaClient, manager, m, logger)

	orchestrator, err := settlement.NewOrchestrator(settlementCfg, manager, accountant, reporter, logger)
	if err != nil {
		return err
	}

	logSettledTotals(ctx, manager.Influx, settlementCfg, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
			stop()
		}
	}()

	scheduler := settlement.NewScheduler(settlementCfg, orchestrator, logger)
	err = scheduler.Run(ctx)
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Error("failed to stop metrics server")
	}

	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// checkHealth verifies every store answers before the first cycle is scheduled
func checkHealth(ctx context.Context, hc healthChecker, timeout time.Duration, logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	if err := hc.Health(ctx); err != nil {
		return fmt.Errorf("startup health check: %w", err)
	}
	logger.LogDuration("startup_health_check", time.Since(started))
	return nil
}

// settlementConfig maps service configuration onto the settlement settings
func settlementConfig(cfg *config.Config) settlement.Config {
	return settlement.Config{
		Pool:                cfg.PoolName,
		Interval:            cfg.PaymentsInterval,
		PrimaryMinPayment:   cfg.PrimaryMinPayment,
		AuxiliaryEnabled:    cfg.AuxiliaryEnabled,
		AuxiliaryMinPayment: cfg.AuxiliaryMinPayment,
	}
}

// daemonConfigs returns the coin daemon settings of every track with a
// configured RPC host
func daemonConfigs(cfg *config.Config) map[postgres.ChainType]*daemon.Config {
	configs := make(map[postgres.ChainType]*daemon.Config)
	if cfg.PrimaryRPCHost != "" {
		configs[postgres.ChainPrimary] = &daemon.Config{
			Host:     cfg.PrimaryRPCHost,
			Port:     cfg.PrimaryRPCPort,
			User:     cfg.PrimaryRPCUser,
			Password: cfg.PrimaryRPCPassword,
		}
	}
	if cfg.AuxiliaryEnabled && cfg.AuxiliaryRPCHost != "" {
		configs[postgres.ChainAuxiliary] = &daemon.Config{
			Host:     cfg.AuxiliaryRPCHost,
			Port:     cfg.AuxiliaryRPCPort,
			User:     cfg.AuxiliaryRPCUser,
			Password: cfg.AuxiliaryRPCPassword,
		}
	}
	return configs
}

// databaseConfig builds the database manager configuration. Breaker
// transitions are logged and exported as a gauge.
func databaseConfig(cfg *config.Config, m *metrics.Settlement, logger *log.Logger) *database.Config {
	breaker := circuit.DatabaseConfig()
	breaker.OnStateChange = func(name string, from, to circuit.State) {
		m.SetBreakerOpen(name, to == circuit.StateOpen)
		logger.Warn("circuit breaker state changed",
			"breaker", name, "from", from.String(), "to", to.String())
	}

	return &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: cfg.PostgresMaxOpenConns,
			MaxIdleConns: cfg.PostgresMaxIdleConns,
			MaxLifetime:  cfg.PostgresConnMaxLifetime,
		},
		Redis: &redis.Config{
			URL: cfg.RedisURL,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
		Breaker: breaker,
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// drainInfluxErrors logs asynchronous InfluxDB write failures
func drainInfluxErrors(ctx context.Context, client *influx.Client, m *metrics.Settlement, logger *log.Logger) {
	errs := client.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.ObserveReportError("influx")
			logger.WithError(err).Warn("influx write failed")
		}
	}
}

// logSettledTotals logs the amount settled per track over the last day
func logSettledTotals(ctx context.Context, client *influx.Client, cfg settlement.Config, logger *log.Logger) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, track := range cfg.Tracks() {
		total, err := client.GetSettledTotal(queryCtx, cfg.Pool, string(track), 24*time.Hour)
		if err != nil {
			logger.WithError(err).Warn("failed to query settled total", "track", string(track))
			continue
		}
		logger.Info("settled in the last 24h", "track", string(track), "total", total.String())
	}
}

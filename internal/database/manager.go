// Package database provides unified database management for the GOMP settlement service.
// It coordinates the PostgreSQL executor with the Redis cache and InfluxDB metrics.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gomp-settlement/internal/database/influx"
	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/internal/database/redis"
	"github.com/bardlex/gomp-settlement/pkg/circuit"
	"github.com/bardlex/gomp-settlement/pkg/errors"
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Error handling
	circuitBreaker *circuit.Breaker
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
	Breaker  *circuit.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeCache, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	return newManager(pgClient, redisClient, influxClient, cfg.Breaker), nil
}

func newManager(pg *postgres.Client, rdb *redis.Client, ifx *influx.Client, breaker *circuit.Config) *Manager {
	if breaker == nil {
		breaker = circuit.DatabaseConfig()
	}

	return &Manager{
		Postgres:       pg,
		Redis:          rdb,
		Influx:         ifx,
		circuitBreaker: circuit.New(breaker),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// Execute runs stmts as one PostgreSQL transaction behind the circuit
// breaker. Failed transactions are not retried.
func (m *Manager) Execute(ctx context.Context, stmts ...postgres.Statement) ([]postgres.Result, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() ([]postgres.Result, error) {
		return m.Postgres.Execute(ctx, stmts...)
	})
}

// BreakerStats returns the executor circuit breaker statistics
func (m *Manager) BreakerStats() circuit.Stats {
	return m.circuitBreaker.GetStats()
}

// SettlementRecord is the cache and time-series view of one finished cycle
type SettlementRecord struct {
	Sample   influx.SettlementSample
	Balances map[string]float64
	Summary  any
	TTL      time.Duration
}

// RecordSettlement stores a finished cycle in InfluxDB and Redis. Both
// writes are best effort; the returned error only reports cache failures.
func (m *Manager) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	s := rec.Sample

	// Record metrics in InfluxDB (asynchronous, errors surface on Influx.Errors)
	m.Influx.WriteSettlementMetric(s)
	for identity, balance := range rec.Balances {
		amount, err := btcutil.NewAmount(balance)
		if err != nil {
			continue
		}
		m.Influx.WriteBalanceMetric(s.Pool, s.Track, identity, amount, s.Time)
	}

	if _, err := m.Redis.IncrementCounter(ctx, redis.CyclesKey(s.Pool, s.Track, s.Outcome), 7*24*time.Hour); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "record_settlement",
			"failed to count settlement cycle").
			WithContext("track", s.Track)
	}

	if rec.Summary != nil {
		if err := m.Redis.SetCache(ctx, redis.LastCycleKey(s.Pool, s.Track), rec.Summary, rec.TTL); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCache, "record_settlement",
				"failed to cache settlement summary").
				WithContext("track", s.Track)
		}
	}

	// Only settled cycles carry a meaningful balances snapshot
	if rec.Balances != nil {
		if err := m.Redis.SetBalances(ctx, s.Pool, s.Track, rec.Balances, rec.TTL); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCache, "record_settlement",
				"failed to cache balances").
				WithContext("track", s.Track).
				WithContext("identities", len(rec.Balances))
		}
	}

	return nil
}

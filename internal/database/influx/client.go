// Package influx provides the InfluxDB client used by the GOMP settlement service.
// It records settlement cycles and settled miner balances as time-series points.
package influx

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors returns the channel of asynchronous write errors
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Settlement metrics

// SettlementSample describes one finished settlement cycle
type SettlementSample struct {
	Pool     string
	Track    string
	Outcome  string
	Blocks   int
	Rounds   int
	Total    btcutil.Amount
	Duration time.Duration
	Time     time.Time
}

// WriteSettlementMetric writes a settlement cycle metric
func (c *Client) WriteSettlementMetric(s SettlementSample) {
	c.writeAPI.WritePoint(SettlementPoint(s))
}

// WriteBalanceMetric writes the merged balance of one miner identity
func (c *Client) WriteBalanceMetric(pool, track, identity string, amount btcutil.Amount, at time.Time) {
	c.writeAPI.WritePoint(BalancePoint(pool, track, identity, amount, at))
}

// SettlementPoint builds the point written by WriteSettlementMetric
func SettlementPoint(s SettlementSample) *write.Point {
	tags := map[string]string{
		"pool":    s.Pool,
		"track":   s.Track,
		"outcome": s.Outcome,
	}

	fields := map[string]interface{}{
		"blocks":      s.Blocks,
		"rounds":      s.Rounds,
		"total_sats":  int64(s.Total),
		"duration_ms": s.Duration.Milliseconds(),
		"count":       1,
	}

	return write.NewPoint("settlements", tags, fields, s.Time)
}

// BalancePoint builds the point written by WriteBalanceMetric
func BalancePoint(pool, track, identity string, amount btcutil.Amount, at time.Time) *write.Point {
	tags := map[string]string{
		"pool":     pool,
		"track":    track,
		"identity": identity,
	}

	fields := map[string]interface{}{
		"balance_sats": int64(amount),
		"balance":      amount.ToBTC(),
	}

	return write.NewPoint("balances", tags, fields, at)
}

// Query methods

// GetSettledTotal returns the amount settled on a track over duration
func (c *Client) GetSettledTotal(ctx context.Context, pool, track string, duration time.Duration) (btcutil.Amount, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "settlements")
		|> filter(fn: (r) => r.pool == "%s" and r.track == "%s")
		|> filter(fn: (r) => r._field == "total_sats")
		|> group()
		|> sum()
	`, c.bucket, duration.String(), pool, track)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query settled total: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	if result.Next() {
		if total, ok := result.Record().Value().(int64); ok {
			return btcutil.Amount(total), nil
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return 0, nil
}

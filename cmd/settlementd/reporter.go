package main

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gomp-settlement/internal/database"
	"github.com/bardlex/gomp-settlement/internal/database/influx"
	"github.com/bardlex/gomp-settlement/internal/messaging"
	"github.com/bardlex/gomp-settlement/internal/metrics"
	"github.com/bardlex/gomp-settlement/internal/settlement"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// summaryTTL bounds how long cached cycle summaries and balances live
const summaryTTL = 24 * time.Hour

// publisher publishes settlement events
type publisher interface {
	PublishSettlement(ctx context.Context, event *messaging.SettlementEvent) error
}

// recorder stores settlement records in the cache and time-series stores
type recorder interface {
	RecordSettlement(ctx context.Context, rec database.SettlementRecord) error
}

// settlementReporter fans a finished cycle out to Kafka, Redis, InfluxDB
// and Prometheus. Every sink is best effort.
type settlementReporter struct {
	publisher publisher
	recorder  recorder
	metrics   *metrics.Settlement
	logger    *log.Logger
}

func newSettlementReporter(pub publisher, rec recorder, m *metrics.Settlement, logger *log.Logger) *settlementReporter {
	return &settlementReporter{
		publisher: pub,
		recorder:  rec,
		metrics:   m,
		logger:    logger.WithComponent("reporter"),
	}
}

// Report implements settlement.Reporter
func (r *settlementReporter) Report(ctx context.Context, report *settlement.Report) {
	logger := r.logger.WithContext(ctx).WithTrack(string(report.Track))
	event := buildEvent(report)

	r.metrics.ObserveCycle(event.Track, event.Outcome, event.Blocks, event.TotalSats, report.StartedAt, report.FinishedAt)

	if err := r.publisher.PublishSettlement(ctx, event); err != nil {
		r.metrics.ObserveReportError("kafka")
		logger.WithError(err).Warn("failed to publish settlement event")
	}

	if err := r.recorder.RecordSettlement(ctx, buildRecord(report, event)); err != nil {
		r.metrics.ObserveReportError("redis")
		logger.WithError(err).Warn("failed to record settlement")
	}
}

// buildEvent converts a cycle report into its published form
func buildEvent(report *settlement.Report) *messaging.SettlementEvent {
	event := &messaging.SettlementEvent{
		Pool:       report.Pool,
		Track:      string(report.Track),
		Outcome:    string(report.Outcome),
		Rounds:     report.Rounds(),
		Blocks:     len(report.Blocks),
		TotalSats:  int64(satoshis(report.TotalReward())),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		DurationMs: float64(report.Duration().Microseconds()) / 1000,
	}

	if report.Err != nil {
		event.Error = report.Err.Error()
	}

	if len(report.Balances) > 0 {
		event.Balances = make(map[string]int64, len(report.Balances))
		for identity, amount := range report.Balances {
			event.Balances[identity] = int64(satoshis(amount.Generate))
		}
	}

	return event
}

// buildRecord converts a cycle report into its cache and time-series form
func buildRecord(report *settlement.Report, event *messaging.SettlementEvent) database.SettlementRecord {
	rec := database.SettlementRecord{
		Sample: influx.SettlementSample{
			Pool:     report.Pool,
			Track:    string(report.Track),
			Outcome:  string(report.Outcome),
			Blocks:   len(report.Blocks),
			Rounds:   len(report.Rounds()),
			Total:    btcutil.Amount(event.TotalSats),
			Duration: report.Duration(),
			Time:     report.FinishedAt,
		},
		Summary: event,
		TTL:     summaryTTL,
	}

	if report.Outcome == settlement.OutcomeSettled {
		rec.Balances = make(map[string]float64, len(report.Balances))
		for identity, amount := range report.Balances {
			rec.Balances[identity] = amount.Generate
		}
	}

	return rec
}

// satoshis converts a coin amount, treating unrepresentable values as zero
func satoshis(coins float64) btcutil.Amount {
	amount, err := btcutil.NewAmount(coins)
	if err != nil {
		return 0
	}
	return amount
}

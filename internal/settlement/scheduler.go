package settlement

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// CycleRunner runs one settlement cycle for a track
type CycleRunner interface {
	RunCycle(ctx context.Context, chain postgres.ChainType) error
}

// Scheduler triggers settlement cycles on a jittered interval
type Scheduler struct {
	cfg    Config
	runner CycleRunner
	logger *log.Logger
	random func() float64
}

// NewScheduler creates a scheduler running cycles through runner
func NewScheduler(cfg Config, runner CycleRunner, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		logger: logger.WithComponent("scheduler").WithPool(cfg.Pool),
		random: rand.Float64,
	}
}

// Delay returns the wait before the next cycle, uniform in
// [0.75, 1.25) times the configured interval
func (s *Scheduler) Delay() time.Duration {
	lower := 0.75 * float64(s.cfg.Interval)
	upper := 1.25 * float64(s.cfg.Interval)
	return time.Duration(lower + s.random()*(upper-lower))
}

// Run waits a jittered delay, settles every configured track concurrently
// and reschedules until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		delay := s.Delay()
		s.logger.Debug("next settlement scheduled", "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-timer.C:
		}

		s.runTracks(ctx)
	}
}

// runTracks runs one cycle per track and waits for all of them. Cycles
// ignore cancellation of ctx, which only ends the wait between cycles.
func (s *Scheduler) runTracks(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, chain := range s.cfg.Tracks() {
		wg.Add(1)
		go func(chain postgres.ChainType) {
			defer wg.Done()
			// Failures are logged and metered by the runner; the next cycle retries
			if err := s.runner.RunCycle(ctx, chain); err != nil {
				s.logger.Debug("settlement cycle returned error", "track", string(chain), "error", err.Error())
			}
		}(chain)
	}
	wg.Wait()
}

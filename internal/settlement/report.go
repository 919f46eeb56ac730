package settlement

import (
	"context"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
)

// Outcome classifies a finished cycle
type Outcome string

// Cycle outcomes
const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
	OutcomeEmpty   Outcome = "empty"
)

// Report describes one finished cycle
type Report struct {
	CycleID    string
	Pool       string
	Track      postgres.ChainType
	Outcome    Outcome
	Blocks     []postgres.Block
	Balances   map[string]Amount
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Duration returns how long the cycle ran
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Rounds returns the round identifiers of the settled blocks
func (r *Report) Rounds() []string {
	return roundIDs(r.Blocks)
}

// TotalReward returns the summed reward of the settled blocks
func (r *Report) TotalReward() float64 {
	var total float64
	for _, block := range r.Blocks {
		total += block.Reward
	}
	return total
}

// Reporter receives a report after every cycle. Reporting is best effort
// and never changes the cycle outcome.
type Reporter interface {
	Report(ctx context.Context, r *Report)
}

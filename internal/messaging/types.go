package messaging

import (
	"fmt"
	"time"
)

// SettlementEvent reports the outcome of one settlement cycle
type SettlementEvent struct {
	Pool       string           `json:"pool"`
	Track      string           `json:"track"`
	Outcome    string           `json:"outcome"` // "settled", "failed", "empty"
	Rounds     []string         `json:"rounds,omitempty"`
	Blocks     int              `json:"blocks"`
	TotalSats  int64            `json:"total_sats"`
	Balances   map[string]int64 `json:"balances,omitempty"` // miner_solo_type → satoshis
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMs float64          `json:"duration_ms"`
}

// Key returns the partition key of the event
func (e *SettlementEvent) Key() string {
	return fmt.Sprintf("%s:%s", e.Pool, e.Track)
}

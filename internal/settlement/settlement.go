// Package settlement turns confirmed pool blocks into historical ledger
// records. One cycle per track claims eligible rounds with payment
// checkpoints, resolves rewards through an Accountant and moves the settled
// blocks and rounds from current to historical storage atomically.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
)

// Executor runs statements as one all-or-nothing transaction. Results are
// returned in statement order.
type Executor interface {
	Execute(ctx context.Context, stmts ...postgres.Statement) ([]postgres.Result, error)
}

// Accountant computes rewards for settled rounds.
//
// ResolveRounds returns the resolved blocks, or on error the blocks whose
// checkpoints must be rolled back. DistributeWorkers returns the amount
// earned per miner identity (miner_solo_type) for the given blocks, whose
// rounds are passed grouped per block in the same order.
type Accountant interface {
	ResolveRounds(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) ([]postgres.Block, error)
	DistributeWorkers(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block, rounds [][]postgres.Round) (map[string]Amount, error)
}

// Amount is the reward owed to one miner identity
type Amount struct {
	Generate float64 `json:"generate"`
	Immature float64 `json:"immature,omitempty"`
}

// Config holds the settlement settings of one pool
type Config struct {
	Pool                string
	Interval            time.Duration
	PrimaryMinPayment   float64
	AuxiliaryEnabled    bool
	AuxiliaryMinPayment float64
}

// MinPayment returns the minimum payout threshold of a track
func (c Config) MinPayment(chain postgres.ChainType) float64 {
	if chain == postgres.ChainAuxiliary {
		return c.AuxiliaryMinPayment
	}
	return c.PrimaryMinPayment
}

// Tracks returns the tracks settled each cycle
func (c Config) Tracks() []postgres.ChainType {
	if c.AuxiliaryEnabled {
		return []postgres.ChainType{postgres.ChainPrimary, postgres.ChainAuxiliary}
	}
	return []postgres.ChainType{postgres.ChainPrimary}
}

func (c Config) validate() error {
	if c.Pool == "" {
		return fmt.Errorf("pool name cannot be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("settlement interval must be positive")
	}
	return nil
}

// Settlement is a batch of blocks recorded by the Ledger
type Settlement struct {
	Track    postgres.ChainType
	Blocks   []postgres.Block
	Rounds   [][]postgres.Round
	Amounts  map[string]Amount
	Balances map[string]Amount
}

// roundIDs returns the round identifiers of blocks, in order
func roundIDs(blocks []postgres.Block) []string {
	ids := make([]string, len(blocks))
	for i, block := range blocks {
		ids[i] = block.Round
	}
	return ids
}

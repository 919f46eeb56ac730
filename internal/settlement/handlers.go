package settlement

import (
	"context"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/errors"
)

// CheckpointRetention is how long the checkpoint of a settled round is kept.
// While it exists a cycle that read the block before it was settled cannot
// claim it again.
const CheckpointRetention = 24 * time.Hour

// Handlers runs the cleanup transactions of a cycle
type Handlers struct {
	exec     Executor
	commands *postgres.Commands
	now      func() time.Time
}

// NewHandlers creates the cleanup handlers
func NewHandlers(exec Executor, commands *postgres.Commands) *Handlers {
	return &Handlers{exec: exec, commands: commands, now: time.Now}
}

// Failure deletes the payment checkpoints of blocks so a later cycle can
// settle them again
func (h *Handlers) Failure(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if _, err := h.exec.Execute(ctx, h.commands.DeletePaymentsCurrent(roundIDs(blocks), chain)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failure_handler",
			"failed to release payment checkpoints").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(blocks))
	}
	return nil
}

// Finalize deletes the pending transactions of settled blocks and prunes
// the checkpoints of rounds settled more than CheckpointRetention ago
func (h *Handlers) Finalize(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	before := h.now().Add(-CheckpointRetention).UnixMilli()
	if _, err := h.exec.Execute(ctx,
		h.commands.DeleteTransactionsCurrent(roundIDs(blocks), chain),
		h.commands.PrunePaymentsCurrent(before, chain),
	); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "finalize_handler",
			"failed to delete pending transactions").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(blocks))
	}
	return nil
}

// Reset clears the intermediate miner balances of a track
func (h *Handlers) Reset(ctx context.Context, chain postgres.ChainType) error {
	if _, err := h.exec.Execute(ctx, h.commands.ResetMiners(chain)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "reset_handler",
			"failed to reset miner balances").
			WithContext("track", string(chain))
	}
	return nil
}

package settlement

import (
	"context"
	stderrors "errors"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// ChainHandler settles a batch of checkpointed blocks on one track
type ChainHandler struct {
	exec       Executor
	commands   *postgres.Commands
	accountant Accountant
	ledger     *Ledger
	handlers   *Handlers
	logger     *log.Logger
}

// NewChainHandler creates a chain settlement handler
func NewChainHandler(exec Executor, commands *postgres.Commands, accountant Accountant, ledger *Ledger, handlers *Handlers, logger *log.Logger) *ChainHandler {
	return &ChainHandler{
		exec:       exec,
		commands:   commands,
		accountant: accountant,
		ledger:     ledger,
		handlers:   handlers,
		logger:     logger.WithComponent("chain_handler"),
	}
}

// Settle re-reads the rounds of blocks, resolves their rewards and records
// the resolved blocks in the ledger. Blocks that cannot be resolved have
// their checkpoints released before the error is returned.
func (h *ChainHandler) Settle(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block, balances map[string]float64) (*Settlement, error) {
	logger := h.logger.WithContext(ctx).WithTrack(string(chain))

	rounds, err := h.lookupRounds(ctx, chain, blocks)
	if err != nil {
		return nil, err
	}

	resolved, err := h.accountant.ResolveRounds(ctx, chain, blocks)
	if err != nil {
		// Nothing in the batch settles, so every checkpoint is released
		rollback := append(append([]postgres.Block(nil), resolved...), missing(blocks, resolved)...)
		return nil, h.fail(ctx, chain, rollback, errors.Wrap(err, errors.ErrorTypeResolution, "resolve_rounds",
			"failed to resolve block rewards").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(resolved)))
	}

	// Eligible blocks the accountant did not resolve are released for a later cycle
	if dropped := missing(blocks, resolved); len(dropped) > 0 {
		logger.Warn("blocks left unresolved", "rounds", roundIDs(dropped))
		if err := h.handlers.Failure(ctx, chain, dropped); err != nil {
			return nil, err
		}
	}

	grouped := alignRounds(blocks, rounds, resolved)

	amounts, err := h.accountant.DistributeWorkers(ctx, chain, resolved, grouped)
	if err != nil {
		return nil, h.fail(ctx, chain, resolved, errors.Wrap(err, errors.ErrorTypeResolution, "distribute_workers",
			"failed to distribute block rewards").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(resolved)))
	}

	s := &Settlement{
		Track:    chain,
		Blocks:   resolved,
		Rounds:   grouped,
		Amounts:  amounts,
		Balances: CombineBalances(balances, amounts),
	}

	if err := h.ledger.Commit(ctx, s); err != nil {
		return nil, h.fail(ctx, chain, resolved, err)
	}

	if err := h.handlers.Finalize(ctx, chain, resolved); err != nil {
		return nil, err
	}

	logger.Debug("settlement recorded", "blocks", len(resolved), "identities", len(amounts))
	return s, nil
}

// lookupRounds selects the current rounds of every block in one transaction
func (h *ChainHandler) lookupRounds(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) ([][]postgres.Round, error) {
	rounds := make([][]postgres.Round, len(blocks))
	stmts := make([]postgres.Statement, len(blocks))
	for i, block := range blocks {
		stmts[i] = h.commands.SelectRoundsSpecific(&rounds[i], block.Solo, block.Round, chain)
	}

	if _, err := h.exec.Execute(ctx, stmts...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "lookup_rounds",
			"failed to select rounds").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(blocks))
	}

	return rounds, nil
}

// fail releases the checkpoints of blocks and returns cause, joined with the
// release error if that failed too. The release ignores cancellation of ctx,
// which may be what caused the failure.
func (h *ChainHandler) fail(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block, cause error) error {
	if err := h.handlers.Failure(context.WithoutCancel(ctx), chain, blocks); err != nil {
		return stderrors.Join(cause, err)
	}
	return cause
}

type blockKey struct {
	round string
	solo  bool
}

func keyOf(block postgres.Block) blockKey {
	return blockKey{round: block.Round, solo: block.Solo}
}

// missing returns the blocks of all that are absent from subset
func missing(all, subset []postgres.Block) []postgres.Block {
	present := make(map[blockKey]bool, len(subset))
	for _, block := range subset {
		present[keyOf(block)] = true
	}

	var out []postgres.Block
	for _, block := range all {
		if !present[keyOf(block)] {
			out = append(out, block)
		}
	}
	return out
}

// alignRounds orders the round groups selected for blocks to match resolved
func alignRounds(blocks []postgres.Block, rounds [][]postgres.Round, resolved []postgres.Block) [][]postgres.Round {
	byBlock := make(map[blockKey][]postgres.Round, len(blocks))
	for i, block := range blocks {
		byBlock[keyOf(block)] = rounds[i]
	}

	out := make([][]postgres.Round, len(resolved))
	for i, block := range resolved {
		out[i] = byBlock[keyOf(block)]
	}
	return out
}

// Package accounting computes miner rewards for settled blocks.
// The proportional accountant splits each block reward, net of the pool fee,
// across the miners of its round by submitted work.
package accounting

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/internal/settlement"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// Proportional implements settlement.Accountant with a proportional (PROP)
// reward scheme.
//
// It is stateless apart from its configuration and safe for concurrent use
// by the primary and auxiliary settlement cycles.
type Proportional struct {
	// feePercent is the share of every reward retained by the pool
	feePercent float64
	// verifiers confirm blocks against the chain, per track
	verifiers map[postgres.ChainType]BlockVerifier
	logger    *log.Logger
}

// BlockVerifier reports how many confirmations a block has on its chain.
// Blocks that left the main chain, or that the chain does not know, report a
// negative count. Errors are reserved for failures to reach the chain.
type BlockVerifier interface {
	Confirmations(ctx context.Context, hash string) (int64, error)
}

var _ settlement.Accountant = (*Proportional)(nil)

// NewProportional creates a proportional accountant.
//
// Parameters:
//   - feePercent: pool fee in percent, within [0, 100)
//   - logger: structured logger
//
// Returns:
//   - *Proportional: the accountant
//   - error: a config error when feePercent is out of range
func NewProportional(feePercent float64, logger *log.Logger) (*Proportional, error) {
	if feePercent < 0 || feePercent >= 100 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_accountant",
			fmt.Sprintf("pool fee must be within [0, 100), got %.2f", feePercent))
	}

	return &Proportional{
		feePercent: feePercent,
		verifiers:  make(map[postgres.ChainType]BlockVerifier),
		logger:     logger.WithComponent("accountant"),
	}, nil
}

// Verify makes ResolveRounds check the blocks of chain with v. It must be
// called before the accountant is shared.
func (p *Proportional) Verify(chain postgres.ChainType, v BlockVerifier) *Proportional {
	p.verifiers[chain] = v
	return p
}

// ResolveRounds checks that every block carries a payable reward and, when
// a verifier is set for chain, that it is still in the main chain.
//
// Blocks failing either check cannot be settled. When any are found they
// are returned as rollback candidates together with a resolution error and
// none of the batch is resolved. A verifier error means the chain could not
// be asked at all and rolls back every block.
func (p *Proportional) ResolveRounds(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) ([]postgres.Block, error) {
	verifier := p.verifiers[chain]

	var invalid []postgres.Block
	for _, block := range blocks {
		if block.Reward <= 0 {
			invalid = append(invalid, block)
			continue
		}
		if verifier == nil {
			continue
		}

		confirmations, err := verifier.Confirmations(ctx, block.Hash)
		if err != nil {
			return blocks, errors.Wrap(err, errors.ErrorTypeResolution, "resolve_rounds",
				"failed to verify block on chain").
				WithContext("round", block.Round).
				WithContext("hash", block.Hash)
		}
		if confirmations < 1 {
			invalid = append(invalid, block)
		}
	}

	if len(invalid) > 0 {
		rounds := make([]string, len(invalid))
		for i, block := range invalid {
			rounds[i] = block.Round
		}
		p.logger.WithContext(ctx).Warn("blocks cannot be settled",
			"track", string(chain), "rounds", rounds)

		return invalid, errors.New(errors.ErrorTypeResolution, "resolve_rounds",
			fmt.Sprintf("%d %s blocks are unpaid or orphaned", len(invalid), chain)).
			WithContext("rounds", rounds)
	}

	return blocks, nil
}

// DistributeWorkers credits the net reward of every block.
//
// Solo blocks go entirely to the block's miner. Shared blocks are split by
// each miner's share of the round's work; a shared block without recorded
// work credits its finder. Amounts are truncated to whole satoshis.
//
// Parameters:
//   - chain: the settled track
//   - blocks: resolved blocks
//   - rounds: round rows grouped per block, aligned with blocks
//
// Returns:
//   - map[string]settlement.Amount: amounts keyed by miner identity
//   - error: a resolution error when rounds is not aligned with blocks
func (p *Proportional) DistributeWorkers(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block, rounds [][]postgres.Round) (map[string]settlement.Amount, error) {
	if len(rounds) != len(blocks) {
		return nil, errors.New(errors.ErrorTypeResolution, "distribute_workers",
			fmt.Sprintf("got %d round groups for %d blocks", len(rounds), len(blocks)))
	}

	credits := make(map[string]btcutil.Amount)
	for i, block := range blocks {
		net, err := p.netReward(block)
		if err != nil {
			return nil, err
		}

		if block.Solo {
			credits[postgres.IdentityKey(block.Miner, true, chain)] += net
			continue
		}

		work := workByMiner(rounds[i])
		var total float64
		for _, w := range work {
			total += w
		}

		if total <= 0 {
			p.logger.WithContext(ctx).Debug("round without work, crediting finder",
				"track", string(chain), "round", block.Round, "miner", block.Miner)
			credits[postgres.IdentityKey(block.Miner, false, chain)] += net
			continue
		}

		for miner, w := range work {
			credits[postgres.IdentityKey(miner, false, chain)] += btcutil.Amount(float64(net) * w / total)
		}
	}

	amounts := make(map[string]settlement.Amount, len(credits))
	for key, credit := range credits {
		amounts[key] = settlement.Amount{Generate: credit.ToBTC()}
	}
	return amounts, nil
}

// netReward converts the block reward to satoshis and deducts the pool fee
func (p *Proportional) netReward(block postgres.Block) (btcutil.Amount, error) {
	reward, err := btcutil.NewAmount(block.Reward)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeResolution, "distribute_workers",
			"invalid block reward").
			WithContext("round", block.Round)
	}
	return reward.MulF64(1 - p.feePercent/100), nil
}

// workByMiner sums the work of every worker per miner
func workByMiner(rounds []postgres.Round) map[string]float64 {
	work := make(map[string]float64)
	for _, r := range rounds {
		if r.Work > 0 {
			work[r.Miner] += r.Work
		}
	}
	return work
}

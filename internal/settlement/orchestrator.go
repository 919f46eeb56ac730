package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

const logCategory = "Payments"

// Orchestrator drives settlement cycles for one pool
type Orchestrator struct {
	cfg      Config
	exec     Executor
	commands *postgres.Commands
	chain    *ChainHandler
	handlers *Handlers
	reporter Reporter
	logger   *log.Logger
	now      func() time.Time
}

// NewOrchestrator wires the settlement components of one pool. The
// accountant is required; reporter may be nil.
func NewOrchestrator(cfg Config, exec Executor, accountant Accountant, reporter Reporter, logger *log.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "new_orchestrator",
			"invalid settlement configuration")
	}
	if exec == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "new_orchestrator",
			"transaction executor is required")
	}
	if accountant == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "new_orchestrator",
			"share accountant is required")
	}

	commands := postgres.NewCommands(cfg.Pool)
	handlers := NewHandlers(exec, commands)
	ledger := NewLedger(exec, commands, logger)

	return &Orchestrator{
		cfg:      cfg,
		exec:     exec,
		commands: commands,
		chain:    NewChainHandler(exec, commands, accountant, ledger, handlers, logger),
		handlers: handlers,
		reporter: reporter,
		logger:   logger.WithComponent("orchestrator").WithPool(cfg.Pool),
		now:      time.Now,
	}, nil
}

// RunCycle executes one settlement cycle for chain. The returned error is
// informational; every failure is scoped to this cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, chain postgres.ChainType) error {
	report := &Report{
		Pool:      o.cfg.Pool,
		Track:     chain,
		StartedAt: o.now(),
	}
	report.CycleID = fmt.Sprintf("%s-%s-%d", o.cfg.Pool, chain, report.StartedAt.UnixNano())
	ctx = log.ContextWithCycle(ctx, report.CycleID)

	o.logger.Log(logCategory, o.cfg.Pool, fmt.Sprintf("Started payment processing for %s blocks", chain))

	err := o.run(ctx, chain, report)

	report.FinishedAt = o.now()
	report.Err = err
	switch {
	case err != nil:
		report.Outcome = OutcomeFailed
		o.logger.WithContext(ctx).WithError(err).Error("settlement cycle failed",
			"track", string(chain), "operation", errors.OperationOf(err))
		o.logger.Log(logCategory, o.cfg.Pool, fmt.Sprintf("Error processing %s payments: %v", chain, err))
	case len(report.Blocks) == 0:
		report.Outcome = OutcomeEmpty
		o.logger.Log(logCategory, o.cfg.Pool, fmt.Sprintf("No %s blocks found to send payments for", chain))
	default:
		report.Outcome = OutcomeSettled
		o.logger.Log(logCategory, o.cfg.Pool, fmt.Sprintf("Finished payments for %d %s blocks", len(report.Blocks), chain))
	}
	o.logger.WithContext(ctx).LogSettlement(string(chain), string(report.Outcome), len(report.Blocks), report.Duration())

	if o.reporter != nil {
		o.reporter.Report(ctx, report)
	}

	return err
}

func (o *Orchestrator) run(ctx context.Context, chain postgres.ChainType, report *Report) error {
	var (
		blocks []postgres.Block
		miners []postgres.MinerBalance
	)

	if _, err := o.exec.Execute(ctx,
		o.commands.SelectBlocksCategory(&blocks, postgres.CategoryGenerate, chain),
		o.commands.SelectMinersBalance(&miners, o.cfg.MinPayment(chain), chain),
	); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "select_candidates",
			"failed to select settlement candidates").
			WithContext("track", string(chain))
	}

	eligible, err := o.claim(ctx, chain, blocks)
	if err != nil {
		return err
	}

	if len(eligible) == 0 {
		return o.handlers.Reset(ctx, chain)
	}

	s, err := o.chain.Settle(ctx, chain, eligible, AggregateBalances(miners))
	if err != nil {
		return err
	}

	report.Blocks = s.Blocks
	report.Balances = s.Balances
	return nil
}

// claim writes a payment checkpoint per block and returns the blocks whose
// checkpoint was newly created. Blocks already checkpointed by another
// cycle are left out.
func (o *Orchestrator) claim(ctx context.Context, chain postgres.ChainType, blocks []postgres.Block) ([]postgres.Block, error) {
	if len(blocks) == 0 {
		return nil, nil
	}

	ts := o.now().UnixMilli()
	checks := make([]postgres.Payment, len(blocks))
	for i, block := range blocks {
		checks[i] = postgres.Payment{Timestamp: ts, Round: block.Round, Type: chain}
	}

	var inserted []string
	if _, err := o.exec.Execute(ctx, o.commands.InsertPaymentsCurrent(&inserted, checks)...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "insert_checkpoints",
			"failed to write payment checkpoints").
			WithContext("track", string(chain)).
			WithContext("rounds", roundIDs(blocks))
	}

	claimed := make(map[string]bool, len(inserted))
	for _, round := range inserted {
		claimed[round] = true
	}

	eligible := make([]postgres.Block, 0, len(inserted))
	for _, block := range blocks {
		if claimed[block.Round] {
			eligible = append(eligible, block)
		}
	}

	if skipped := len(blocks) - len(eligible); skipped > 0 {
		o.logger.WithContext(ctx).Info("rounds already checkpointed",
			"track", string(chain), "skipped", skipped)
	}

	return eligible, nil
}

package settlement

import (
	"context"
	"time"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// Ledger moves settled blocks and rounds from current to historical storage
type Ledger struct {
	exec     Executor
	commands *postgres.Commands
	logger   *log.Logger
	now      func() time.Time
}

// NewLedger creates a ledger writer
func NewLedger(exec Executor, commands *postgres.Commands, logger *log.Logger) *Ledger {
	return &Ledger{
		exec:     exec,
		commands: commands,
		logger:   logger.WithComponent("ledger"),
		now:      time.Now,
	}
}

// Commit records s in one transaction: historical block and round inserts
// followed by the deletion of the matching current rows. Empty batches
// issue no transaction.
func (l *Ledger) Commit(ctx context.Context, s *Settlement) error {
	stmts := l.statements(s.Track, s.Blocks, s.Rounds, l.now().UnixMilli())
	if len(stmts) == 0 {
		return nil
	}

	started := time.Now()
	if _, err := l.exec.Execute(ctx, stmts...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "ledger_commit",
			"failed to record settled blocks").
			WithContext("track", string(s.Track)).
			WithContext("rounds", roundIDs(s.Blocks))
	}

	l.logger.WithContext(ctx).WithTrack(string(s.Track)).LogDuration("ledger_commit", time.Since(started))
	return nil
}

func (l *Ledger) statements(chain postgres.ChainType, blocks []postgres.Block, rounds [][]postgres.Round, ts int64) []postgres.Statement {
	var stmts []postgres.Statement

	if historical := HistoricalBlocks(blocks, ts); len(historical) > 0 {
		stmts = append(stmts, l.commands.InsertHistoricalBlocks(historical)...)
	}

	if historical := HistoricalRounds(rounds, ts); len(historical) > 0 {
		stmts = append(stmts, l.commands.InsertHistoricalRounds(historical)...)
	}

	if len(blocks) > 0 {
		ids := roundIDs(blocks)
		stmts = append(stmts,
			l.commands.DeleteBlocksCurrent(ids, chain),
			l.commands.DeleteRoundsCurrent(ids, chain),
		)
	}

	return stmts
}

// HistoricalBlocks projects blocks into historical rows stamped with ts
func HistoricalBlocks(blocks []postgres.Block, ts int64) []postgres.Block {
	out := make([]postgres.Block, len(blocks))
	for i, block := range blocks {
		block.Timestamp = ts
		out[i] = block
	}
	return out
}

// HistoricalRounds flattens per-block round groups, in order, into
// historical rows stamped with ts
func HistoricalRounds(groups [][]postgres.Round, ts int64) []postgres.Round {
	var out []postgres.Round
	for _, group := range groups {
		for _, round := range group {
			round.Timestamp = ts
			out = append(out, round)
		}
	}
	return out
}

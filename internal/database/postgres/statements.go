package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Table names
const (
	TableBlocksCurrent       = "current_blocks"
	TableRoundsCurrent       = "current_rounds"
	TablePaymentsCurrent     = "current_payments"
	TableTransactionsCurrent = "current_transactions"
	TableMinersCurrent       = "current_miners"
	TableBlocksHistorical    = "historical_blocks"
	TableRoundsHistorical    = "historical_rounds"
)

// Statement names, used to label executor results and errors
const (
	StmtSelectBlocksCategory      = "select_blocks_category"
	StmtSelectMinersBalance       = "select_miners_balance"
	StmtInsertPaymentsCurrent     = "insert_payments_current"
	StmtSelectRoundsSpecific      = "select_rounds_specific"
	StmtDeletePaymentsCurrent     = "delete_payments_current"
	StmtDeleteTransactionsCurrent = "delete_transactions_current"
	StmtResetMiners               = "reset_miners"
	StmtDeleteBlocksCurrent       = "delete_blocks_current"
	StmtDeleteRoundsCurrent       = "delete_rounds_current"
	StmtInsertHistoricalBlocks    = "insert_historical_blocks"
	StmtInsertHistoricalRounds    = "insert_historical_rounds"
	StmtPrunePaymentsCurrent      = "prune_payments_current"
)

// MaxBindParameters is the most parameters PostgreSQL accepts in one statement
const MaxBindParameters = 65535

const (
	blockColumns = `"timestamp", miner, worker, category, confirmations, difficulty, hash, height, identifier, luck, reward, round, solo, "transaction", "type"`
	roundColumns = `"timestamp", miner, worker, identifier, invalid, round, solo, stale, times, "type", valid, work`
)

// Commands builds the settlement statements of one pool. Every statement
// is scoped by the pool column bound as $1; identifier lists are bound as
// arrays and never interpolated.
type Commands struct {
	pool string
}

// NewCommands creates statement builders bound to pool
func NewCommands(pool string) *Commands {
	return &Commands{pool: pool}
}

// SelectBlocksCategory selects current blocks of one category and track
func (c *Commands) SelectBlocksCategory(dest *[]Block, category string, chain ChainType) Statement {
	return Statement{
		Name: StmtSelectBlocksCategory,
		Query: fmt.Sprintf(`SELECT %s FROM %s WHERE pool = $1 AND category = $2 AND "type" = $3 ORDER BY height, round`,
			blockColumns, TableBlocksCurrent),
		Args: []any{c.pool, category, string(chain)},
		Dest: dest,
	}
}

// SelectMinersBalance selects current miner balances at or above minimum
func (c *Commands) SelectMinersBalance(dest *[]MinerBalance, minimum float64, chain ChainType) Statement {
	return Statement{
		Name: StmtSelectMinersBalance,
		Query: fmt.Sprintf(`SELECT miner, solo, "type", balance FROM %s WHERE pool = $1 AND balance >= $2 AND "type" = $3`,
			TableMinersCurrent),
		Args: []any{c.pool, minimum, string(chain)},
		Dest: dest,
	}
}

// InsertPaymentsCurrent inserts payment checkpoints and returns, into dest,
// the rounds whose checkpoint did not exist yet. Large batches are split
// into several statements that all append to dest; they must run in one
// transaction. payments must not be empty.
func (c *Commands) InsertPaymentsCurrent(dest *[]string, payments []Payment) []Statement {
	query := fmt.Sprintf(`INSERT INTO %s (pool, "timestamp", round, "type") VALUES %%s ON CONFLICT (pool, round, "type") DO NOTHING RETURNING round`,
		TablePaymentsCurrent)

	return c.insertRows(StmtInsertPaymentsCurrent, query, len(payments), 3, dest, func(i int) []any {
		p := payments[i]
		return []any{p.Timestamp, p.Round, string(p.Type)}
	})
}

// SelectRoundsSpecific selects the current rounds of one block
func (c *Commands) SelectRoundsSpecific(dest *[]Round, solo bool, round string, chain ChainType) Statement {
	return Statement{
		Name: StmtSelectRoundsSpecific,
		Query: fmt.Sprintf(`SELECT %s FROM %s WHERE pool = $1 AND solo = $2 AND round = $3 AND "type" = $4 ORDER BY miner, worker`,
			roundColumns, TableRoundsCurrent),
		Args: []any{c.pool, solo, round, string(chain)},
		Dest: dest,
	}
}

// DeletePaymentsCurrent deletes the checkpoints of rounds
func (c *Commands) DeletePaymentsCurrent(rounds []string, chain ChainType) Statement {
	return c.deleteByRounds(StmtDeletePaymentsCurrent, TablePaymentsCurrent, rounds, chain)
}

// DeleteTransactionsCurrent deletes pending transactions of rounds
func (c *Commands) DeleteTransactionsCurrent(rounds []string, chain ChainType) Statement {
	return c.deleteByRounds(StmtDeleteTransactionsCurrent, TableTransactionsCurrent, rounds, chain)
}

// DeleteBlocksCurrent deletes current blocks of rounds
func (c *Commands) DeleteBlocksCurrent(rounds []string, chain ChainType) Statement {
	return c.deleteByRounds(StmtDeleteBlocksCurrent, TableBlocksCurrent, rounds, chain)
}

// DeleteRoundsCurrent deletes current rounds of rounds
func (c *Commands) DeleteRoundsCurrent(rounds []string, chain ChainType) Statement {
	return c.deleteByRounds(StmtDeleteRoundsCurrent, TableRoundsCurrent, rounds, chain)
}

// PrunePaymentsCurrent deletes checkpoints written before the millisecond
// timestamp before whose block has left the current table
func (c *Commands) PrunePaymentsCurrent(before int64, chain ChainType) Statement {
	return Statement{
		Name: StmtPrunePaymentsCurrent,
		Query: fmt.Sprintf(`DELETE FROM %s p WHERE p.pool = $1 AND p."type" = $2 AND p."timestamp" < $3 AND NOT EXISTS (SELECT 1 FROM %s b WHERE b.pool = p.pool AND b.round = p.round AND b."type" = p."type")`,
			TablePaymentsCurrent, TableBlocksCurrent),
		Args: []any{c.pool, string(chain), before},
	}
}

// ResetMiners clears the intermediate generate amounts of a track
func (c *Commands) ResetMiners(chain ChainType) Statement {
	return Statement{
		Name:  StmtResetMiners,
		Query: fmt.Sprintf(`UPDATE %s SET generate = 0 WHERE pool = $1 AND "type" = $2`, TableMinersCurrent),
		Args:  []any{c.pool, string(chain)},
	}
}

// InsertHistoricalBlocks inserts settled blocks into historical storage,
// split into as many statements as the bind parameter limit requires
func (c *Commands) InsertHistoricalBlocks(blocks []Block) []Statement {
	query := fmt.Sprintf(`INSERT INTO %s (pool, %s) VALUES %%s`, TableBlocksHistorical, blockColumns)

	return c.insertRows(StmtInsertHistoricalBlocks, query, len(blocks), 15, nil, func(i int) []any {
		b := blocks[i]
		return []any{
			b.Timestamp, b.Miner, b.Worker, b.Category, b.Confirmations,
			b.Difficulty, b.Hash, b.Height, b.Identifier, b.Luck,
			b.Reward, b.Round, b.Solo, b.Transaction, string(b.Type),
		}
	})
}

// InsertHistoricalRounds inserts settled rounds into historical storage,
// split into as many statements as the bind parameter limit requires
func (c *Commands) InsertHistoricalRounds(rounds []Round) []Statement {
	query := fmt.Sprintf(`INSERT INTO %s (pool, %s) VALUES %%s`, TableRoundsHistorical, roundColumns)

	return c.insertRows(StmtInsertHistoricalRounds, query, len(rounds), 12, nil, func(i int) []any {
		r := rounds[i]
		return []any{
			r.Timestamp, r.Miner, r.Worker, r.Identifier, r.Invalid, r.Round,
			r.Solo, r.Stale, r.Times, string(r.Type), r.Valid, r.Work,
		}
	})
}

// insertRows renders a multi-row insert of rows tuples of cols parameters.
// query carries one %s verb for the VALUES list. Each statement holds at
// most rowsPerStatement(cols) tuples.
func (c *Commands) insertRows(name, query string, rows, cols int, dest any, row func(i int) []any) []Statement {
	per := rowsPerStatement(cols)

	var stmts []Statement
	for start := 0; start < rows; start += per {
		end := min(start+per, rows)

		args := make([]any, 0, 1+cols*(end-start))
		args = append(args, c.pool)
		for i := start; i < end; i++ {
			args = append(args, row(i)...)
		}

		stmts = append(stmts, Statement{
			Name:  name,
			Query: fmt.Sprintf(query, placeholders(end-start, cols)),
			Args:  args,
			Dest:  dest,
		})
	}
	return stmts
}

// rowsPerStatement is the number of cols-wide tuples that fit one statement
// alongside the pool parameter
func rowsPerStatement(cols int) int {
	return (MaxBindParameters - 1) / cols
}

func (c *Commands) deleteByRounds(name, table string, rounds []string, chain ChainType) Statement {
	return Statement{
		Name:  name,
		Query: fmt.Sprintf(`DELETE FROM %s WHERE pool = $1 AND round = ANY($2) AND "type" = $3`, table),
		Args:  []any{c.pool, pq.Array(rounds), string(chain)},
	}
}

// placeholders renders rows value tuples of cols parameters each, every
// tuple led by the pool parameter $1
func placeholders(rows, cols int) string {
	var b strings.Builder
	n := 2
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("($1")
		for j := 0; j < cols; j++ {
			fmt.Fprintf(&b, ", $%d", n)
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

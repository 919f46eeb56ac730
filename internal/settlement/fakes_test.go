package settlement

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

// memState is the table contents of the in-memory executor
type memState struct {
	blocks           []postgres.Block
	rounds           []postgres.Round
	payments         []postgres.Payment
	transactions     []postgres.Payment
	miners           []memMiner
	historicalBlocks []postgres.Block
	historicalRounds []postgres.Round
}

type memMiner struct {
	postgres.MinerBalance
	Generate float64
}

func (s memState) clone() memState {
	return memState{
		blocks:           append([]postgres.Block(nil), s.blocks...),
		rounds:           append([]postgres.Round(nil), s.rounds...),
		payments:         append([]postgres.Payment(nil), s.payments...),
		transactions:     append([]postgres.Payment(nil), s.transactions...),
		miners:           append([]memMiner(nil), s.miners...),
		historicalBlocks: append([]postgres.Block(nil), s.historicalBlocks...),
		historicalRounds: append([]postgres.Round(nil), s.historicalRounds...),
	}
}

// memExecutor interprets settlement statements against memState. Each
// Execute call is applied atomically. With honorCancel set it refuses to run
// on a done context, like a driver would.
type memExecutor struct {
	mu          sync.Mutex
	state       memState
	failOn      map[string]error
	honorCancel bool
	executed    [][]postgres.Statement
}

func newMemExecutor() *memExecutor {
	return &memExecutor{failOn: map[string]error{}}
}

func (m *memExecutor) Execute(ctx context.Context, stmts ...postgres.Statement) ([]postgres.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.honorCancel && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.executed = append(m.executed, stmts)
	snapshot := m.state.clone()

	results := make([]postgres.Result, 0, len(stmts))
	for _, stmt := range stmts {
		if err := m.failOn[stmt.Name]; err != nil {
			m.state = snapshot
			return nil, err
		}

		affected, err := m.apply(stmt)
		if err != nil {
			m.state = snapshot
			return nil, err
		}
		results = append(results, postgres.Result{Name: stmt.Name, RowsAffected: affected})
	}

	return results, nil
}

func (m *memExecutor) apply(stmt postgres.Statement) (int64, error) {
	a := stmt.Args
	st := &m.state

	switch stmt.Name {
	case postgres.StmtSelectBlocksCategory:
		dest := stmt.Dest.(*[]postgres.Block)
		for _, b := range st.blocks {
			if b.Category == a[1].(string) && string(b.Type) == a[2].(string) {
				*dest = append(*dest, b)
			}
		}
		return int64(len(*dest)), nil

	case postgres.StmtSelectMinersBalance:
		dest := stmt.Dest.(*[]postgres.MinerBalance)
		for _, miner := range st.miners {
			if miner.Balance >= a[1].(float64) && string(miner.Type) == a[2].(string) {
				*dest = append(*dest, miner.MinerBalance)
			}
		}
		return int64(len(*dest)), nil

	case postgres.StmtInsertPaymentsCurrent:
		dest := stmt.Dest.(*[]string)
		for i := 1; i+2 < len(a); i += 3 {
			p := postgres.Payment{Timestamp: a[i].(int64), Round: a[i+1].(string), Type: postgres.ChainType(a[i+2].(string))}
			if indexOf(st.payments, p.Round, p.Type) >= 0 {
				continue
			}
			st.payments = append(st.payments, p)
			*dest = append(*dest, p.Round)
		}
		return int64(len(*dest)), nil

	case postgres.StmtSelectRoundsSpecific:
		dest := stmt.Dest.(*[]postgres.Round)
		for _, r := range st.rounds {
			if r.Solo == a[1].(bool) && r.Round == a[2].(string) && string(r.Type) == a[3].(string) {
				*dest = append(*dest, r)
			}
		}
		return int64(len(*dest)), nil

	case postgres.StmtDeletePaymentsCurrent:
		var n int64
		st.payments, n = deletePayments(st.payments, a)
		return n, nil

	case postgres.StmtDeleteTransactionsCurrent:
		var n int64
		st.transactions, n = deletePayments(st.transactions, a)
		return n, nil

	case postgres.StmtPrunePaymentsCurrent:
		chain, before := postgres.ChainType(a[1].(string)), a[2].(int64)
		var kept []postgres.Payment
		for _, p := range st.payments {
			current := false
			for _, b := range st.blocks {
				if b.Round == p.Round && b.Type == p.Type {
					current = true
				}
			}
			if p.Type == chain && p.Timestamp < before && !current {
				continue
			}
			kept = append(kept, p)
		}
		n := int64(len(st.payments) - len(kept))
		st.payments = kept
		return n, nil

	case postgres.StmtDeleteBlocksCurrent:
		rounds, chain := deleteArgs(a)
		kept := st.blocks[:0]
		for _, b := range st.blocks {
			if !(rounds[b.Round] && b.Type == chain) {
				kept = append(kept, b)
			}
		}
		n := int64(len(st.blocks) - len(kept))
		st.blocks = kept
		return n, nil

	case postgres.StmtDeleteRoundsCurrent:
		rounds, chain := deleteArgs(a)
		kept := st.rounds[:0]
		for _, r := range st.rounds {
			if !(rounds[r.Round] && r.Type == chain) {
				kept = append(kept, r)
			}
		}
		n := int64(len(st.rounds) - len(kept))
		st.rounds = kept
		return n, nil

	case postgres.StmtResetMiners:
		var n int64
		for i := range st.miners {
			if string(st.miners[i].Type) == a[1].(string) {
				st.miners[i].Generate = 0
				n++
			}
		}
		return n, nil

	case postgres.StmtInsertHistoricalBlocks:
		var n int64
		for i := 1; i+14 < len(a); i += 15 {
			v := a[i : i+15]
			st.historicalBlocks = append(st.historicalBlocks, postgres.Block{
				Timestamp: v[0].(int64), Miner: v[1].(string), Worker: v[2].(string),
				Category: v[3].(string), Confirmations: v[4].(int64), Difficulty: v[5].(float64),
				Hash: v[6].(string), Height: v[7].(int64), Identifier: v[8].(string),
				Luck: v[9].(float64), Reward: v[10].(float64), Round: v[11].(string),
				Solo: v[12].(bool), Transaction: v[13].(string), Type: postgres.ChainType(v[14].(string)),
			})
			n++
		}
		return n, nil

	case postgres.StmtInsertHistoricalRounds:
		var n int64
		for i := 1; i+11 < len(a); i += 12 {
			v := a[i : i+12]
			st.historicalRounds = append(st.historicalRounds, postgres.Round{
				Timestamp: v[0].(int64), Miner: v[1].(string), Worker: v[2].(string),
				Identifier: v[3].(string), Invalid: v[4].(int64), Round: v[5].(string),
				Solo: v[6].(bool), Stale: v[7].(int64), Times: v[8].(float64),
				Type: postgres.ChainType(v[9].(string)), Valid: v[10].(int64), Work: v[11].(float64),
			})
			n++
		}
		return n, nil
	}

	return 0, fmt.Errorf("unknown statement %q", stmt.Name)
}

func deleteArgs(a []any) (map[string]bool, postgres.ChainType) {
	rounds := map[string]bool{}
	for _, round := range *a[1].(*pq.StringArray) {
		rounds[round] = true
	}
	return rounds, postgres.ChainType(a[2].(string))
}

func deletePayments(rows []postgres.Payment, a []any) ([]postgres.Payment, int64) {
	rounds, chain := deleteArgs(a)
	var kept []postgres.Payment
	for _, p := range rows {
		if !(rounds[p.Round] && p.Type == chain) {
			kept = append(kept, p)
		}
	}
	return kept, int64(len(rows) - len(kept))
}

func indexOf(rows []postgres.Payment, round string, chain postgres.ChainType) int {
	for i, p := range rows {
		if p.Round == round && p.Type == chain {
			return i
		}
	}
	return -1
}

// snapshot returns a copy of the current table contents
func (m *memExecutor) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// statements returns every executed statement with name, in order
func (m *memExecutor) statements(name string) []postgres.Statement {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []postgres.Statement
	for _, tx := range m.executed {
		for _, stmt := range tx {
			if stmt.Name == name {
				out = append(out, stmt)
			}
		}
	}
	return out
}

// transactions returns the statement names of every executed transaction
func (m *memExecutor) transactions() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]string, len(m.executed))
	for i, tx := range m.executed {
		for _, stmt := range tx {
			out[i] = append(out[i], stmt.Name)
		}
	}
	return out
}

// fakeAccountant splits each block reward by valid work unless overridden
type fakeAccountant struct {
	resolve    func(blocks []postgres.Block) ([]postgres.Block, error)
	distribute func(blocks []postgres.Block, rounds [][]postgres.Round) (map[string]Amount, error)

	mu          sync.Mutex
	distributed [][][]postgres.Round
}

func (f *fakeAccountant) ResolveRounds(_ context.Context, _ postgres.ChainType, blocks []postgres.Block) ([]postgres.Block, error) {
	if f.resolve != nil {
		return f.resolve(blocks)
	}
	return blocks, nil
}

func (f *fakeAccountant) DistributeWorkers(_ context.Context, chain postgres.ChainType, blocks []postgres.Block, rounds [][]postgres.Round) (map[string]Amount, error) {
	f.mu.Lock()
	f.distributed = append(f.distributed, rounds)
	f.mu.Unlock()

	if f.distribute != nil {
		return f.distribute(blocks, rounds)
	}

	amounts := map[string]Amount{}
	for i, block := range blocks {
		var total float64
		for _, r := range rounds[i] {
			total += r.Work
		}
		for _, r := range rounds[i] {
			key := postgres.IdentityKey(r.Miner, r.Solo, chain)
			amount := amounts[key]
			amount.Generate += block.Reward * r.Work / total
			amounts[key] = amount
		}
	}
	return amounts, nil
}

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "settlementd", "test", "error", "json")
}

func testConfig() Config {
	return Config{
		Pool:                "pool1",
		Interval:            time.Minute,
		PrimaryMinPayment:   0.005,
		AuxiliaryEnabled:    true,
		AuxiliaryMinPayment: 0.5,
	}
}

func generateBlock(round string, chain postgres.ChainType) postgres.Block {
	return postgres.Block{
		Timestamp:   1,
		Miner:       "miner1",
		Worker:      "miner1.rig",
		Category:    postgres.CategoryGenerate,
		Hash:        "hash" + round,
		Height:      100,
		Reward:      3.125,
		Round:       round,
		Transaction: "tx" + round,
		Type:        chain,
	}
}

func roundRow(round, miner string, work float64, chain postgres.ChainType) postgres.Round {
	return postgres.Round{
		Timestamp: 1,
		Miner:     miner,
		Worker:    miner + ".rig",
		Round:     round,
		Type:      chain,
		Valid:     int64(work),
		Work:      work,
	}
}

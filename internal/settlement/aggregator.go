package settlement

import (
	"github.com/bardlex/gomp-settlement/internal/database/postgres"
)

// AggregateBalances sums miner balance rows per identity
func AggregateBalances(rows []postgres.MinerBalance) map[string]float64 {
	balances := make(map[string]float64, len(rows))
	for _, row := range rows {
		balances[row.Key()] += row.Balance
	}
	return balances
}

// CombineBalances merges existing balances with newly generated amounts.
// Generated amounts are added to an existing balance of the same identity;
// identities without a balance keep their amount unmodified. Neither input
// is modified.
func CombineBalances(balances map[string]float64, amounts map[string]Amount) map[string]Amount {
	combined := make(map[string]Amount, len(balances)+len(amounts))
	for identity, balance := range balances {
		combined[identity] = Amount{Generate: balance}
	}

	for identity, amount := range amounts {
		if balance, ok := balances[identity]; ok {
			amount.Generate += balance
		}
		combined[identity] = amount
	}

	return combined
}

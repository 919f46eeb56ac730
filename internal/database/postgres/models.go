package postgres

import (
	"fmt"
)

// ChainType identifies a settlement track
type ChainType string

// Settlement tracks
const (
	ChainPrimary   ChainType = "primary"
	ChainAuxiliary ChainType = "auxiliary"
)

// CategoryGenerate marks blocks whose reward is ready to be settled
const CategoryGenerate = "generate"

// Block represents a found block. The same shape is stored in both the
// current and the historical block tables.
type Block struct {
	Timestamp     int64     `db:"timestamp" json:"timestamp"`
	Miner         string    `db:"miner" json:"miner"`
	Worker        string    `db:"worker" json:"worker"`
	Category      string    `db:"category" json:"category"`
	Confirmations int64     `db:"confirmations" json:"confirmations"`
	Difficulty    float64   `db:"difficulty" json:"difficulty"`
	Hash          string    `db:"hash" json:"hash"`
	Height        int64     `db:"height" json:"height"`
	Identifier    string    `db:"identifier" json:"identifier"`
	Luck          float64   `db:"luck" json:"luck"`
	Reward        float64   `db:"reward" json:"reward"`
	Round         string    `db:"round" json:"round"`
	Solo          bool      `db:"solo" json:"solo"`
	Transaction   string    `db:"transaction" json:"transaction"`
	Type          ChainType `db:"type" json:"type"`
}

// Round represents the share work of one miner/worker pair for a round
type Round struct {
	Timestamp  int64     `db:"timestamp" json:"timestamp"`
	Miner      string    `db:"miner" json:"miner"`
	Worker     string    `db:"worker" json:"worker"`
	Identifier string    `db:"identifier" json:"identifier"`
	Invalid    int64     `db:"invalid" json:"invalid"`
	Round      string    `db:"round" json:"round"`
	Solo       bool      `db:"solo" json:"solo"`
	Stale      int64     `db:"stale" json:"stale"`
	Times      float64   `db:"times" json:"times"`
	Type       ChainType `db:"type" json:"type"`
	Valid      int64     `db:"valid" json:"valid"`
	Work       float64   `db:"work" json:"work"`
}

// Payment is a pending-payment checkpoint claiming a round for settlement
type Payment struct {
	Timestamp int64     `db:"timestamp" json:"timestamp"`
	Round     string    `db:"round" json:"round"`
	Type      ChainType `db:"type" json:"type"`
}

// MinerBalance is the running total owed to a miner on one track
type MinerBalance struct {
	Miner   string    `db:"miner" json:"miner"`
	Solo    bool      `db:"solo" json:"solo"`
	Type    ChainType `db:"type" json:"type"`
	Balance float64   `db:"balance" json:"balance"`
}

// Key returns the composite miner identity used to aggregate balances
func (m MinerBalance) Key() string {
	return IdentityKey(m.Miner, m.Solo, m.Type)
}

// IdentityKey formats the composite miner identity miner_solo_type
func IdentityKey(miner string, solo bool, chain ChainType) string {
	return fmt.Sprintf("%s_%t_%s", miner, solo, chain)
}

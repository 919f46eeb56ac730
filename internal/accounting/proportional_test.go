package accounting

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
	"github.com/bardlex/gomp-settlement/internal/settlement"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/log"
)

func newAccountant(t *testing.T, fee float64) *Proportional {
	t.Helper()
	p, err := NewProportional(fee, log.NewWithWriter(io.Discard, "settlementd", "test", "error", "json"))
	require.NoError(t, err)
	return p
}

func block(round, miner string, reward float64, solo bool) postgres.Block {
	return postgres.Block{Round: round, Miner: miner, Reward: reward, Solo: solo, Type: postgres.ChainPrimary}
}

func round(roundID, miner string, work float64) postgres.Round {
	return postgres.Round{Round: roundID, Miner: miner, Worker: miner + ".rig", Work: work, Type: postgres.ChainPrimary}
}

func TestNewProportional_FeeRange(t *testing.T) {
	for _, fee := range []float64{-1, 100, 150} {
		_, err := NewProportional(fee, log.NewWithWriter(io.Discard, "settlementd", "test", "error", "json"))
		require.Error(t, err, fee)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	}
}

func TestResolveRounds(t *testing.T) {
	p := newAccountant(t, 1)
	blocks := []postgres.Block{block("1", "a", 3.125, false), block("2", "a", 1, true)}

	resolved, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, blocks)
	require.NoError(t, err)
	assert.Equal(t, blocks, resolved)
}

func TestResolveRounds_RejectsUnpayable(t *testing.T) {
	p := newAccountant(t, 1)
	blocks := []postgres.Block{block("1", "a", 3.125, false), block("2", "a", 0, false), block("3", "a", -1, false)}

	rollback, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, blocks)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	require.Len(t, rollback, 2)
	assert.Equal(t, "2", rollback[0].Round)
	assert.Equal(t, "3", rollback[1].Round)
	assert.Equal(t, []string{"2", "3"}, errors.GetContext(err)["rounds"])
}

func TestDistributeWorkers_Shared(t *testing.T) {
	p := newAccountant(t, 1)

	amounts, err := p.DistributeWorkers(context.Background(), postgres.ChainPrimary,
		[]postgres.Block{block("42", "a", 3.125, false)},
		[][]postgres.Round{{round("42", "a", 2), round("42", "a", 1), round("42", "b", 1)}},
	)
	require.NoError(t, err)

	// 3.125 less 1% is 3.09375, split 3:1
	assert.Equal(t, map[string]settlement.Amount{
		"a_false_primary": {Generate: 2.3203125},
		"b_false_primary": {Generate: 0.7734375},
	}, amounts)
}

func TestDistributeWorkers_Solo(t *testing.T) {
	p := newAccountant(t, 0)

	amounts, err := p.DistributeWorkers(context.Background(), postgres.ChainPrimary,
		[]postgres.Block{block("7", "finder", 6.25, true)},
		[][]postgres.Round{{round("7", "other", 10)}},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]settlement.Amount{"finder_true_primary": {Generate: 6.25}}, amounts)
}

func TestDistributeWorkers_NoWorkCreditsFinder(t *testing.T) {
	p := newAccountant(t, 0)

	amounts, err := p.DistributeWorkers(context.Background(), postgres.ChainAuxiliary,
		[]postgres.Block{block("9", "finder", 1, false)},
		[][]postgres.Round{{round("9", "idle", 0)}},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]settlement.Amount{"finder_false_auxiliary": {Generate: 1}}, amounts)
}

func TestDistributeWorkers_AccumulatesAcrossBlocks(t *testing.T) {
	p := newAccountant(t, 0)

	amounts, err := p.DistributeWorkers(context.Background(), postgres.ChainPrimary,
		[]postgres.Block{block("1", "a", 1, false), block("2", "a", 2, true)},
		[][]postgres.Round{{round("1", "a", 1), round("1", "b", 1)}, nil},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]settlement.Amount{
		"a_false_primary": {Generate: 0.5},
		"b_false_primary": {Generate: 0.5},
		"a_true_primary":  {Generate: 2},
	}, amounts)
}

func TestDistributeWorkers_Misaligned(t *testing.T) {
	p := newAccountant(t, 0)

	_, err := p.DistributeWorkers(context.Background(), postgres.ChainPrimary,
		[]postgres.Block{block("1", "a", 1, false)}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
}

// stubVerifier answers from a fixed table. Unknown hashes report -1 like the
// daemon client; hashes listed in down fail as unreachable.
type stubVerifier struct {
	confirmations map[string]int64
	down          map[string]bool
}

func (s stubVerifier) Confirmations(_ context.Context, hash string) (int64, error) {
	if s.down[hash] {
		return 0, errors.New(errors.ErrorTypeDaemon, "get_block", "connection refused")
	}
	confirmations, ok := s.confirmations[hash]
	if !ok {
		return -1, nil
	}
	return confirmations, nil
}

func TestResolveRounds_RejectsOrphans(t *testing.T) {
	p := newAccountant(t, 1).Verify(postgres.ChainPrimary, stubVerifier{confirmations: map[string]int64{"h1": 101, "h2": -1}})

	good := block("1", "a", 3.125, false)
	good.Hash = "h1"
	orphan := block("2", "a", 3.125, false)
	orphan.Hash = "h2"

	rollback, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, []postgres.Block{good, orphan})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	require.Len(t, rollback, 1)
	assert.Equal(t, "2", rollback[0].Round)

	// Other tracks are not verified
	resolved, err := p.ResolveRounds(context.Background(), postgres.ChainAuxiliary, []postgres.Block{orphan})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestResolveRounds_UnknownBlockRollsBackOnlyItself(t *testing.T) {
	p := newAccountant(t, 1).Verify(postgres.ChainPrimary, stubVerifier{confirmations: map[string]int64{"h1": 101}})

	known := block("1", "a", 3.125, false)
	known.Hash = "h1"
	unknown := block("2", "a", 3.125, false)
	unknown.Hash = "h9"

	rollback, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, []postgres.Block{known, unknown})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	require.Len(t, rollback, 1)
	assert.Equal(t, "2", rollback[0].Round)
	assert.Equal(t, []string{"2"}, errors.GetContext(err)["rounds"])

	// Once the unknown block is gone the rest of the batch settles
	resolved, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, []postgres.Block{known})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestResolveRounds_UnreachableChainRollsBackAll(t *testing.T) {
	p := newAccountant(t, 1).Verify(postgres.ChainPrimary, stubVerifier{
		confirmations: map[string]int64{"h1": 101},
		down:          map[string]bool{"h2": true},
	})

	first := block("1", "a", 3.125, false)
	first.Hash = "h1"
	second := block("2", "a", 3.125, false)
	second.Hash = "h2"

	rollback, err := p.ResolveRounds(context.Background(), postgres.ChainPrimary, []postgres.Block{first, second})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	assert.Len(t, rollback, 2)
	assert.Equal(t, "h2", errors.GetContext(err)["hash"])
}

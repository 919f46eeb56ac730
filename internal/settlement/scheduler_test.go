package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-settlement/internal/database/postgres"
)

type recordingRunner struct {
	mu     sync.Mutex
	chains []postgres.ChainType
	done   chan struct{}
	want   int
	err    error
}

func (r *recordingRunner) RunCycle(_ context.Context, chain postgres.ChainType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains = append(r.chains, chain)
	if len(r.chains) == r.want {
		close(r.done)
	}
	return r.err
}

func TestScheduler_DelayBounds(t *testing.T) {
	cfg := testConfig()
	s := NewScheduler(cfg, &recordingRunner{}, testLogger())

	s.random = func() float64 { return 0 }
	assert.Equal(t, 45*time.Second, s.Delay())

	s.random = func() float64 { return 0.5 }
	assert.Equal(t, time.Minute, s.Delay())

	s.random = func() float64 { return 0.999999 }
	assert.Less(t, s.Delay(), 75*time.Second)
}

func TestScheduler_RunsEveryTrack(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Millisecond

	runner := &recordingRunner{done: make(chan struct{}), want: 2, err: errors.New("cycle failed")}
	s := NewScheduler(cfg, runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	select {
	case <-runner.done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run both tracks")
	}
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.GreaterOrEqual(t, len(runner.chains), 2)
	assert.ElementsMatch(t, []postgres.ChainType{postgres.ChainPrimary, postgres.ChainAuxiliary}, runner.chains[:2])
}

func TestScheduler_StopsBeforeFirstCycle(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(testConfig(), runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Empty(t, runner.chains)
}

// stallingRunner holds a cycle open until released and records the state of
// the cycle context afterwards
type stallingRunner struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (r *stallingRunner) RunCycle(ctx context.Context, _ postgres.ChainType) error {
	close(r.started)
	<-r.release
	r.ctxErr <- ctx.Err()
	return nil
}

func TestScheduler_StopDoesNotCancelRunningCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Millisecond
	cfg.AuxiliaryEnabled = false

	runner := &stallingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	s := NewScheduler(cfg, runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not start")
	}
	cancel()
	close(runner.release)

	select {
	case err := <-runner.ctxErr:
		assert.NoError(t, err, "cycle context must survive a stop request")
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestConfig_Tracks(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, []postgres.ChainType{postgres.ChainPrimary, postgres.ChainAuxiliary}, cfg.Tracks())
	assert.Equal(t, 0.5, cfg.MinPayment(postgres.ChainAuxiliary))

	cfg.AuxiliaryEnabled = false
	assert.Equal(t, []postgres.ChainType{postgres.ChainPrimary}, cfg.Tracks())
	assert.Equal(t, 0.005, cfg.MinPayment(postgres.ChainPrimary))
}

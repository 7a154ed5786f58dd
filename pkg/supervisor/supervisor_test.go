package supervisor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/cursor"
	"github.com/web3ekko/ekko-settler/pkg/ledger/ledgertest"
	"github.com/web3ekko/ekko-settler/pkg/notify"
	"github.com/web3ekko/ekko-settler/pkg/retry"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/store"
	"github.com/web3ekko/ekko-settler/pkg/watcher"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count(t notify.Type) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == t {
			c++
		}
	}
	return c
}

type env struct {
	t        *testing.T
	clk      *clock.Mock
	chain    *ledgertest.Chain
	payout   *ledgertest.Settlement
	mining   *ledgertest.Settlement
	policies map[settlement.Pipeline]settlement.Policy
	notifier *recordingNotifier
	cache    cache.Cache
}

func newEnv(t *testing.T) *env {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	chain := ledgertest.NewChain(clk)
	policies := map[settlement.Pipeline]settlement.Policy{
		settlement.PipelinePayout: {
			Pipeline:           settlement.PipelinePayout,
			Formula:            settlement.PayoutFormula{Ratio: settlement.DefaultPayoutRatio},
			MinimumDelay:       time.Minute,
			DisbursementWindow: 30 * 24 * time.Hour,
		},
		settlement.PipelineMining: {
			Pipeline:           settlement.PipelineMining,
			Formula:            settlement.NewMiningFormula(clk.Now()),
			MinimumDelay:       time.Minute,
			DisbursementWindow: 30 * 24 * time.Hour,
		},
	}
	return &env{
		t:        t,
		clk:      clk,
		chain:    chain,
		payout:   chain.NewSettlement(policies[settlement.PipelinePayout]),
		mining:   chain.NewSettlement(policies[settlement.PipelineMining]),
		policies: policies,
		notifier: &recordingNotifier{},
		cache:    cache.NewMemoryCache(clk),
	}
}

func (e *env) pipeline(contract *ledgertest.Settlement) *ManagedPipeline {
	log := zaptest.NewLogger(e.t)
	p := contract.Pipeline()
	m, err := NewManagedPipeline(Components{
		Policy:     e.policies[p],
		Betting:    e.chain,
		Ledger:     contract,
		Records:    store.NewRecordStore(contract, e.cache, time.Hour, log),
		Bets:       store.NewBetStore(e.chain, e.cache, time.Hour, log),
		Cursors:    cursor.NewMemoryStore(),
		Notifier:   e.notifier,
		Watcher:    watcher.Config{PollInterval: time.Second},
		Retry:      retry.Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxAttempts: 3, Interval: time.Second},
		Thresholds: BalanceThresholds{Warning: big.NewInt(100), Critical: big.NewInt(10)},
		Network:    e.chain,
		NetworkThresholds: NetworkThresholds{
			GasPrice:        gwei(2),
			CongestedFactor: 3,
			MaxLatency:      5 * time.Second,
		},
		Clock:  e.clk,
		Logger: log,
	})
	require.NoError(e.t, err)
	return m
}

func (e *env) bet(id, amount int64, winner bool) settlement.BetResolved {
	payout := big.NewInt(0)
	if winner {
		payout = e.policies[settlement.PipelinePayout].Formula.Amount(big.NewInt(amount), e.clk.Now())
	}
	return e.chain.ResolveBet(settlement.BetDetails{
		RequestID:    big.NewInt(id),
		Beneficiary:  player,
		BetAmount:    big.NewInt(amount),
		PayoutAmount: payout,
		IsWinner:     winner,
	})
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func drain(ctx context.Context, m *ManagedPipeline) {
	for m.Scheduler().RunDue(ctx) > 0 {
	}
}

func TestHappyPathPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	mining := e.pipeline(e.mining)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(100))

	e.bet(1, 10, true)
	require.NoError(t, payout.Backfill(ctx))
	require.NoError(t, mining.Backfill(ctx))
	assert.Equal(t, 0, mining.Scheduler().Len(), "winners earn no mining reward")

	drain(ctx, payout)
	rec, err := payout.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, rec.Status)
	assert.Equal(t, "19", rec.Amount.String())

	queued := payout.Scheduler().Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, retry.KindExecute, queued[0].Kind)
	assert.Equal(t, e.clk.Now().Add(time.Minute), queued[0].NextAt)

	e.clk.Add(time.Minute)
	drain(ctx, payout)

	rec, err = payout.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, rec.Status)
	assert.Equal(t, "19", e.payout.Paid(player).String())
	assert.Equal(t, 0, payout.Scheduler().Len())
	assert.Equal(t, 1, e.notifier.count(notify.TypeCompleted))
}

func TestMiningRewardsLosers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	mining := e.pipeline(e.mining)
	e.mining.Deposit(settlement.NativeAsset, big.NewInt(10_000))

	e.bet(1, 1000, false)
	require.NoError(t, payout.Backfill(ctx))
	require.NoError(t, mining.Backfill(ctx))
	assert.Equal(t, 0, payout.Scheduler().Len())

	drain(ctx, mining)
	e.clk.Add(time.Minute)
	drain(ctx, mining)

	rec, err := mining.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, rec.Status)
	assert.Equal(t, "1000", e.mining.Paid(player).String())
}

func TestInsufficientFundsIsTerminal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(5))

	e.bet(1, 10, true)
	require.NoError(t, payout.Backfill(ctx))
	drain(ctx, payout)
	e.clk.Add(time.Minute)
	drain(ctx, payout)

	rec, err := payout.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, rec.Status)
	assert.Equal(t, ledgertest.ReasonInsufficientBalance, rec.FailureReason)
	assert.Equal(t, 0, payout.Scheduler().Len(), "failed records are not retried")
	assert.Equal(t, 1, e.notifier.count(notify.TypeFailed))

	res, err := payout.Execute(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	assert.Equal(t, 1, e.payout.ExecuteCalls())
}

func TestDuplicateDeliveryCreatesAndPaysOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(100))

	e.bet(1, 10, true)
	require.NoError(t, payout.Backfill(ctx))
	require.NoError(t, payout.Backfill(ctx))
	assert.Equal(t, 1, payout.Scheduler().Len())

	drain(ctx, payout)
	require.NoError(t, payout.Backfill(ctx))
	assert.Equal(t, 1, payout.Scheduler().Len(), "pending record folds into the queued execution")

	e.clk.Add(time.Minute)
	drain(ctx, payout)
	require.NoError(t, payout.Backfill(ctx))
	drain(ctx, payout)

	assert.Equal(t, 1, e.payout.CreateCalls())
	assert.Equal(t, 1, e.payout.ExecuteCalls())
	assert.Equal(t, "19", e.payout.Paid(player).String())

	stats, err := payout.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.Stats.CompletedCount)
}

func TestRestartRecoversPendingRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	before := e.pipeline(e.payout)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(100))

	e.bet(1, 10, true)
	require.NoError(t, before.Backfill(ctx))
	drain(ctx, before)
	require.Equal(t, 1, before.Scheduler().Len())

	// The process dies with the execution still queued in memory.
	e.clk.Add(10 * time.Minute)
	after := e.pipeline(e.payout)
	require.NoError(t, after.Backfill(ctx))
	drain(ctx, after)

	rec, err := after.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, rec.Status)
	assert.Equal(t, 1, e.payout.CreateCalls())
	assert.Equal(t, "19", e.payout.Paid(player).String())
}

func TestTransientSubmitFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)

	e.bet(1, 10, true)
	e.payout.FailNext(ledgertest.OpCreateRequest, errors.New("dial tcp: connection refused"))
	require.NoError(t, payout.Backfill(ctx))
	drain(ctx, payout)

	queued := payout.Scheduler().Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, retry.KindSubmit, queued[0].Kind)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, e.clk.Now().Add(2*time.Second), queued[0].NextAt)

	e.clk.Add(2 * time.Second)
	drain(ctx, payout)
	rec, err := payout.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, rec.Status)
}

func TestExhaustedRetriesRaiseAlert(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)

	e.bet(1, 10, true)
	for i := 0; i < 3; i++ {
		e.payout.FailNext(ledgertest.OpCreateRequest, errors.New("nonce too low"))
	}
	require.NoError(t, payout.Backfill(ctx))
	drain(ctx, payout)
	e.clk.Add(2 * time.Second)
	drain(ctx, payout)
	e.clk.Add(4 * time.Second)
	drain(ctx, payout)

	assert.Equal(t, 0, payout.Scheduler().Len())
	assert.Equal(t, 1, e.notifier.count(notify.TypeAlert))

	// Operators remediate explicitly.
	res, err := payout.Submit(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitCreated, res)
}

func TestStatusGradesPoolBalance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	mining := e.pipeline(e.mining)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(50))
	e.mining.Deposit(settlement.NativeAsset, big.NewInt(5))

	s := New([]*ManagedPipeline{payout, mining}, Schedule{}, zaptest.NewLogger(t))
	statuses := s.Report(ctx)
	require.Len(t, statuses, 2)
	assert.Equal(t, HealthWarning, statuses[0].Health)
	assert.Equal(t, HealthCritical, statuses[1].Health)
	assert.Equal(t, "50", statuses[0].PoolBalance.String())

	e.payout.FailNext(ledgertest.OpStats, errors.New("rpc down"))
	assert.Len(t, s.Report(ctx), 1)
}

func TestPreflightNeedsOperatorRole(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.pipeline(e.payout)
	require.NoError(t, m.Preflight(ctx))

	e.payout.RevokeOperator(ledgertest.Operator)
	err := m.Preflight(ctx)
	require.ErrorIs(t, err, ErrNotOperator)
	assert.Contains(t, err.Error(), ledgertest.Operator.Hex())

	e.payout.GrantOperator(ledgertest.Operator)
	e.payout.FailNext(ledgertest.OpIsOperator, errors.New("rpc down"))
	err = m.Preflight(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotOperator)

	// A failing network check is logged, not fatal.
	e.chain.FailNext(ledgertest.OpPing, errors.New("timeout"))
	assert.NoError(t, m.Preflight(ctx))
}

func TestNetworkGrade(t *testing.T) {
	th := NetworkThresholds{GasPrice: gwei(2), CongestedFactor: 3, MaxLatency: 5 * time.Second}
	tests := []struct {
		name    string
		price   *big.Int
		latency time.Duration
		gas     GasHealth
		slow    bool
	}{
		{"at configured", gwei(2), time.Millisecond, GasNormal, false},
		{"three times is still normal", gwei(6), time.Millisecond, GasNormal, false},
		{"above three times", gwei(7), time.Millisecond, GasCongested, false},
		{"below half", big.NewInt(999_999_999), time.Millisecond, GasIdle, false},
		{"slow rpc", gwei(2), 6 * time.Second, GasNormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := th.Grade(tt.price, tt.latency)
			assert.Equal(t, tt.gas, h.Gas)
			assert.Equal(t, tt.slow, h.SlowRPC)
			assert.Equal(t, tt.gas == GasCongested || tt.slow, h.Degraded())
		})
	}

	h := NetworkThresholds{}.Grade(gwei(100), time.Hour)
	assert.Equal(t, GasNormal, h.Gas, "no configured price skips the gas grade")
	assert.False(t, h.SlowRPC)
}

func TestReportWarnsOnDegradedNetwork(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	mining := e.pipeline(e.mining)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(1000))
	e.mining.Deposit(settlement.NativeAsset, big.NewInt(1000))

	st, err := payout.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Network)
	assert.Equal(t, GasNormal, st.Network.Gas)
	assert.EqualValues(t, 20, st.Network.LatencyMillis)

	e.chain.SetNetwork(gwei(10), 6*time.Second)
	core, logs := observer.New(zap.InfoLevel)
	statuses := New([]*ManagedPipeline{payout, mining}, Schedule{}, zap.New(core)).Report(ctx)
	require.Len(t, statuses, 2)
	assert.Equal(t, GasCongested, statuses[0].Network.Gas)
	assert.True(t, statuses[0].Network.SlowRPC)
	assert.Equal(t, 1, logs.FilterMessageSnippet("network congested").Len(), "logged once for the shared endpoint")
	assert.Equal(t, 1, logs.FilterMessageSnippet("rpc latency high").Len())

	e.chain.FailNext(ledgertest.OpGasPrice, errors.New("rpc down"))
	st, err = payout.Status(ctx)
	require.NoError(t, err, "network health is optional in status")
	assert.Nil(t, st.Network)
}

func TestWholeTokenThresholds(t *testing.T) {
	b := WholeTokens(100, 10, 18)
	assert.Equal(t, "100000000000000000000", b.Warning.String())
	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	assert.Equal(t, HealthCritical, b.Classify(oneToken))
	assert.Equal(t, HealthWarning, b.Classify(new(big.Int).Mul(big.NewInt(50), oneToken)))
	assert.Equal(t, HealthOK, b.Classify(new(big.Int).Mul(big.NewInt(100), oneToken)))
}

func TestNewManagedPipelineValidates(t *testing.T) {
	e := newEnv(t)
	_, err := NewManagedPipeline(Components{Policy: e.policies[settlement.PipelineMining], Betting: e.chain, Ledger: e.payout})
	assert.Error(t, err)
	_, err = NewManagedPipeline(Components{Policy: settlement.Policy{Pipeline: settlement.PipelinePayout}, Betting: e.chain, Ledger: e.payout})
	assert.Error(t, err)
}

func TestSupervisorRunsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	payout := e.pipeline(e.payout)
	mining := e.pipeline(e.mining)
	e.payout.Deposit(settlement.NativeAsset, big.NewInt(100))

	s := New([]*ManagedPipeline{payout, mining}, Schedule{Backfill: "@every 1h", Report: "@every 1h"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return e.chain.Subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)
	e.bet(1, 10, true)

	require.Eventually(t, func() bool {
		e.clk.Add(5 * time.Second)
		return e.notifier.count(notify.TypeCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.Equal(t, 0, e.chain.Subscribers())
	assert.Equal(t, "19", e.payout.Paid(player).String())
}

func TestSupervisorRejectsBadSchedule(t *testing.T) {
	e := newEnv(t)
	s := New([]*ManagedPipeline{e.pipeline(e.payout)}, Schedule{Backfill: "whenever"}, nil)
	assert.Error(t, s.Run(context.Background()))
	assert.Error(t, New(nil, Schedule{}, nil).Run(context.Background()))
}

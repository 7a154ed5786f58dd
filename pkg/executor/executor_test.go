package executor

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
	"go.uber.org/zap/zaptest"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/ledger/ledgertest"
	"github.com/web3ekko/ekko-settler/pkg/notify"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/store"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []notify.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Type
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []settlement.Request
}

func (a *recordingArchiver) Archive(_ context.Context, rec settlement.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type fixture struct {
	clk      *clock.Mock
	contract *ledgertest.Settlement
	notifier *recordingNotifier
	archiver *recordingArchiver
	exec     *Executor
	policy   settlement.Policy
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	policy := settlement.Policy{
		Pipeline:           settlement.PipelinePayout,
		Formula:            settlement.PayoutFormula{Ratio: settlement.DefaultPayoutRatio},
		MinimumDelay:       time.Minute,
		DisbursementWindow: 30 * 24 * time.Hour,
	}
	contract := ledgertest.NewChain(clk).NewSettlement(policy)
	log := zaptest.NewLogger(t)
	records := store.NewRecordStore(contract, cache.NewMemoryCache(clk), time.Hour, log)

	f := &fixture{
		clk:      clk,
		contract: contract,
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		policy:   policy,
	}
	f.exec = New(policy, records, contract,
		WithClock(clk), WithLogger(log), WithNotifier(f.notifier), WithArchiver(f.archiver))
	return f
}

func (f *fixture) pending(id int64, amount int64) settlement.Request {
	rec := settlement.Request{
		RequestID:       big.NewInt(id),
		Beneficiary:     player,
		Amount:          big.NewInt(amount),
		SourceBetAmount: big.NewInt(amount * 10 / 19),
		SourceSettledAt: f.clk.Now(),
		SourceCreatedAt: f.clk.Now(),
		CreatedAt:       f.clk.Now(),
		Status:          settlement.StatusPending,
	}
	f.contract.Put(rec)
	return rec
}

func TestExecuteWaitsForTimingGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.pending(1, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))

	assert.Equal(t, f.clk.Now().Add(time.Minute), f.exec.GateOpensAt(rec))

	res, err := f.exec.Execute(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteNotYetDue, res)

	f.clk.Add(59 * time.Second)
	res, err = f.exec.Execute(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteNotYetDue, res)
	assert.Equal(t, 0, f.contract.ExecuteCalls())

	f.clk.Add(time.Second)
	res, err = f.exec.Execute(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteCompleted, res)
	assert.Equal(t, "19", f.contract.Paid(player).String())
}

func TestExecuteCompletesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(1, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(time.Minute)

	res, err := f.exec.Execute(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteCompleted, res)
	first, err := f.contract.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.NotNil(t, first.DisbursedAt)

	for i := 0; i < 3; i++ {
		f.clk.Add(time.Hour)
		res, err = f.exec.Execute(ctx, big.NewInt(1))
		require.NoError(t, err)
		assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	}
	rec, err := f.contract.Record(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.NotNil(t, rec.DisbursedAt)
	assert.True(t, first.DisbursedAt.Equal(*rec.DisbursedAt), "disbursement time is written once")
	assert.Equal(t, uint32(1), rec.AttemptCount)
	assert.Equal(t, 1, f.contract.ExecuteCalls())
	assert.Equal(t, "19", f.contract.Paid(player).String())
	assert.Equal(t, []notify.Type{notify.TypeCompleted}, f.notifier.types())
	require.Len(t, f.archiver.records, 1)
	assert.Equal(t, settlement.StatusCompleted, f.archiver.records[0].Status)
	assert.Equal(t, uint32(1), f.archiver.records[0].AttemptCount)
}

func TestExecuteInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(2, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(5))
	f.clk.Add(time.Minute)

	res, err := f.exec.Execute(ctx, big.NewInt(2))
	assert.Equal(t, settlement.ExecuteFailed, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrInsufficientFunds))
	assert.False(t, settlement.Retryable(err))

	var se *settlement.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ledgertest.ReasonInsufficientBalance, se.Reason)
	assert.Equal(t, "0", f.contract.Paid(player).String())

	res, err = f.exec.Execute(ctx, big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	assert.Equal(t, []notify.Type{notify.TypeFailed}, f.notifier.types())
}

func TestExecuteAfterWindowExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(3, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(31 * 24 * time.Hour)

	res, err := f.exec.Execute(ctx, big.NewInt(3))
	assert.Equal(t, settlement.ExecuteExpired, res)
	assert.True(t, errors.Is(err, settlement.ErrWindowExpired))
	assert.Equal(t, 1, f.contract.ExecuteCalls(), "the ledger records the expiry")
	assert.Equal(t, "0", f.contract.Paid(player).String())

	res, err = f.exec.Execute(ctx, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	assert.Equal(t, 1, f.contract.ExecuteCalls())
	assert.Equal(t, []notify.Type{notify.TypeExpired}, f.notifier.types())
}

func TestExecuteLosingRaceIsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(4, 19)
	f.clk.Add(time.Minute)

	f.contract.FailNext(ledgertest.OpExecute,
		settlement.NewError(settlement.KindAlreadyProcessed, settlement.PipelinePayout, big.NewInt(4), "PayoutNotPending", nil))
	res, err := f.exec.Execute(ctx, big.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	assert.Empty(t, f.notifier.types())
}

func TestExecuteTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(5, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(time.Minute)

	f.contract.FailNext(ledgertest.OpExecute, errors.New("replacement transaction underpriced"))
	res, err := f.exec.Execute(ctx, big.NewInt(5))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, settlement.Retryable(err))

	f.contract.FailNext(ledgertest.OpRecord, errors.New("connection reset"))
	res, err = f.exec.Execute(ctx, big.NewInt(5))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, settlement.Retryable(err))
	assert.Equal(t, 1, f.contract.ExecuteCalls())

	res, err = f.exec.Execute(ctx, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteCompleted, res)
}

func TestExecuteTypedRevertIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(8, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(time.Minute)

	f.contract.FailNext(ledgertest.OpExecute,
		settlement.NewError(settlement.KindDataIntegrity, settlement.PipelinePayout, big.NewInt(8), "InvalidAmount", nil))
	res, err := f.exec.Execute(ctx, big.NewInt(8))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))
	assert.False(t, settlement.Retryable(err))

	f.contract.FailNext(ledgertest.OpExecute, context.DeadlineExceeded)
	res, err = f.exec.Execute(ctx, big.NewInt(8))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, settlement.Retryable(err))
	assert.Empty(t, f.notifier.types())
}

func TestExecuteUnconfirmedThenSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pending(6, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(time.Minute)

	f.contract.FailNext(ledgertest.OpWaitFinality, context.DeadlineExceeded)
	res, err := f.exec.Execute(ctx, big.NewInt(6))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, settlement.Retryable(err))

	res, err = f.exec.Execute(ctx, big.NewInt(6))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteAlreadyProcessed, res)
	assert.Equal(t, 1, f.contract.ExecuteCalls())
	assert.Equal(t, "19", f.contract.Paid(player).String())
}

func TestExecuteUnknownRecord(t *testing.T) {
	f := newFixture(t)
	res, err := f.exec.Execute(context.Background(), big.NewInt(404))
	assert.Equal(t, settlement.ExecuteUnresolved, res)
	assert.True(t, errors.Is(err, settlement.ErrNotFound))
	assert.False(t, settlement.Retryable(err))
}

func TestNotifierFailureDoesNotChangeOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("nats: timeout")
	f.pending(7, 19)
	f.contract.Deposit(settlement.NativeAsset, big.NewInt(100))
	f.clk.Add(time.Minute)

	res, err := f.exec.Execute(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, settlement.ExecuteCompleted, res)
	assert.Len(t, f.archiver.records, 1)
}

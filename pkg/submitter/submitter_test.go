package submitter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/ledger/ledgertest"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/store"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type fixture struct {
	clk      *clock.Mock
	chain    *ledgertest.Chain
	contract *ledgertest.Settlement
	records  *store.RecordStore
	sub      *Submitter
}

func newFixture(t *testing.T, p settlement.Pipeline) *fixture {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	chain := ledgertest.NewChain(clk)

	policy := settlement.Policy{Pipeline: p, MinimumDelay: time.Minute, DisbursementWindow: 30 * 24 * time.Hour}
	if p == settlement.PipelinePayout {
		policy.Formula = settlement.PayoutFormula{Ratio: settlement.DefaultPayoutRatio}
	} else {
		policy.Formula = settlement.NewMiningFormula(clk.Now().Add(-48 * time.Hour))
	}
	contract := chain.NewSettlement(policy)
	log := zaptest.NewLogger(t)
	c := cache.NewMemoryCache(clk)
	records := store.NewRecordStore(contract, c, time.Hour, log)
	bets := store.NewBetStore(chain, c, time.Hour, log)

	return &fixture{
		clk:      clk,
		chain:    chain,
		contract: contract,
		records:  records,
		sub:      New(policy, bets, records, contract, log),
	}
}

func (f *fixture) resolve(id int64, bet int64, winner bool) settlement.BetResolved {
	payout := big.NewInt(0)
	if winner {
		payout = big.NewInt(bet * 19 / 10)
	}
	return f.chain.ResolveBet(settlement.BetDetails{
		RequestID:    big.NewInt(id),
		Beneficiary:  player,
		BetAmount:    big.NewInt(bet),
		PayoutAmount: payout,
		IsWinner:     winner,
	})
}

func TestSubmitCreatesPendingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)

	res, err := f.sub.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitCreated, res)

	rec, err := f.records.GetRecord(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, rec.Status)
	assert.Equal(t, "19", rec.Amount.String())
	assert.Equal(t, player, rec.Beneficiary)
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)

	for i := 0; i < 3; i++ {
		res, err := f.sub.Submit(ctx, ev)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, settlement.SubmitCreated, res)
		} else {
			assert.Equal(t, settlement.SubmitSkipped, res)
		}
	}
	assert.Equal(t, 1, f.contract.CreateCalls())

	stats, err := f.records.GetAggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalRequests)
}

func TestSubmitRejectsIneligibleBets(t *testing.T) {
	ctx := context.Background()

	payout := newFixture(t, settlement.PipelinePayout)
	res, err := payout.sub.Submit(ctx, payout.resolve(1, 10, false))
	assert.Equal(t, settlement.SubmitRejected, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))

	mining := newFixture(t, settlement.PipelineMining)
	res, err = mining.sub.Submit(ctx, mining.resolve(2, 10, true))
	assert.Equal(t, settlement.SubmitRejected, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))

	assert.Equal(t, 0, payout.contract.CreateCalls())
	assert.Equal(t, 0, mining.contract.CreateCalls())
}

func TestSubmitRejectsAmountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)
	ev.PayoutAmount = big.NewInt(20)

	res, err := f.sub.Submit(ctx, ev)
	assert.Equal(t, settlement.SubmitRejected, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))
	assert.Equal(t, 0, f.contract.CreateCalls())
}

func TestSubmitRejectsEventThatDisagreesWithLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)
	ev.Beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000c2")

	res, err := f.sub.Submit(ctx, ev)
	assert.Equal(t, settlement.SubmitRejected, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))
}

func TestSubmitMiningUsesDecayedRatio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelineMining)
	ev := f.resolve(1, 1000, false)

	res, err := f.sub.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitCreated, res)

	rec, err := f.records.GetRecord(ctx, big.NewInt(1))
	require.NoError(t, err)
	// Two days after genesis the ratio is 98 per hundred.
	assert.Equal(t, "980", rec.Amount.String())
}

func TestSubmitTransientErrorsAreUnresolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)

	f.contract.FailNext(ledgertest.OpCreateRequest, errors.New("dial tcp: i/o timeout"))
	res, err := f.sub.Submit(ctx, ev)
	assert.Equal(t, settlement.SubmitUnresolved, res)
	assert.True(t, settlement.Retryable(err))

	res, err = f.sub.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitCreated, res)
}

func TestSubmitLandedButUnconfirmedIsSkippedOnRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)

	f.contract.FailNext(ledgertest.OpWaitFinality, settlement.NewError(settlement.KindTransient, settlement.PipelinePayout, nil, "confirmation timeout", nil))
	res, err := f.sub.Submit(ctx, ev)
	assert.Equal(t, settlement.SubmitUnresolved, res)
	assert.True(t, settlement.Retryable(err))

	res, err = f.sub.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitSkipped, res)
	assert.Equal(t, 1, f.contract.CreateCalls())
}

func TestSubmitRaceLostIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	ev := f.resolve(1, 10, true)

	// The transaction lands but the client only sees the send error.
	f.contract.FailAfterApply(ledgertest.OpCreateRequest, errors.New("nonce too low"))
	_, err := f.sub.Submit(ctx, ev)
	require.Error(t, err)

	res, err := f.sub.Submit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitSkipped, res)
}

func TestSubmitUnsettledBetIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	f.chain.SetBet(settlement.BetDetails{RequestID: big.NewInt(5), Beneficiary: player, BetAmount: big.NewInt(10), IsWinner: true})

	res, err := f.sub.SubmitByID(ctx, big.NewInt(5))
	assert.Equal(t, settlement.SubmitUnresolved, res)
	assert.True(t, settlement.Retryable(err))
}

func TestSubmitByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, settlement.PipelinePayout)
	f.resolve(8, 10, true)

	res, err := f.sub.SubmitByID(ctx, big.NewInt(8))
	require.NoError(t, err)
	assert.Equal(t, settlement.SubmitCreated, res)

	res, err = f.sub.SubmitByID(ctx, big.NewInt(404))
	assert.Equal(t, settlement.SubmitRejected, res)
	assert.True(t, errors.Is(err, settlement.ErrDataIntegrity))
}

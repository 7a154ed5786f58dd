// Package ledger is the narrow boundary between the settlement pipeline and the chain.
// Everything the off-chain side knows about bets and settlement records comes through
// these interfaces, and every write it performs goes through them as well.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// ErrSubscriptionUnsupported is returned when the endpoint cannot push logs.
// Callers fall back to polling.
var ErrSubscriptionUnsupported = errors.New("ledger: log subscription not supported by endpoint")

// BettingLedger is the upstream ledger that settles bets.
type BettingLedger interface {
	// LatestBlock returns the current head block number.
	LatestBlock(ctx context.Context) (uint64, error)
	// ResolvedBets returns the resolution events in [from, to], ordered by block and log index.
	ResolvedBets(ctx context.Context, from, to uint64) ([]settlement.BetResolved, error)
	// SubscribeResolvedBets pushes live resolution events into sink until the
	// subscription is cancelled or fails.
	SubscribeResolvedBets(ctx context.Context, sink chan<- settlement.BetResolved) (ethereum.Subscription, error)
	// BetDetails returns the ledger's view of a bet.
	BetDetails(ctx context.Context, requestID *big.Int) (settlement.BetDetails, error)
}

// SettlementLedger is one pipeline's settlement contract.
type SettlementLedger interface {
	Pipeline() settlement.Pipeline
	// Record returns the record for requestID or a settlement.ErrNotFound error.
	Record(ctx context.Context, requestID *big.Int) (settlement.Request, error)
	// Records returns the records that exist among ids, in input order.
	Records(ctx context.Context, ids []*big.Int) ([]settlement.Request, error)
	Stats(ctx context.Context) (settlement.AggregateStats, error)
	// PoolBalance returns the funds available for disbursement in asset.
	PoolBalance(ctx context.Context, asset common.Address) (*big.Int, error)
	// CreateRequest sends the transaction that opens a Pending record.
	CreateRequest(ctx context.Context, p settlement.CreateParams) (common.Hash, error)
	// Execute sends the transaction that moves a Pending record to its terminal state.
	Execute(ctx context.Context, requestID *big.Int) (common.Hash, error)
	// WaitFinality blocks until tx is final or fails, bounded by the confirm timeout.
	WaitFinality(ctx context.Context, tx common.Hash) error
	// Operator returns the signing account, or the zero address for a read-only binding.
	Operator() common.Address
	// IsOperator reports whether account holds the contract's OPERATOR_ROLE.
	IsOperator(ctx context.Context, account common.Address) (bool, error)
}

// Network reports the health of the chain endpoint.
type Network interface {
	// GasPrice returns the node's suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)
	// Ping measures the round trip of a head block read.
	Ping(ctx context.Context) (time.Duration, error)
}

// Timeouts bounds every ledger interaction. Submission and confirmation are distinct.
type Timeouts struct {
	Call    time.Duration
	Submit  time.Duration
	Confirm time.Duration
}

// DefaultTimeouts are used for zero fields.
var DefaultTimeouts = Timeouts{
	Call:    10 * time.Second,
	Submit:  30 * time.Second,
	Confirm: 3 * time.Minute,
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Call <= 0 {
		t.Call = DefaultTimeouts.Call
	}
	if t.Submit <= 0 {
		t.Submit = DefaultTimeouts.Submit
	}
	if t.Confirm <= 0 {
		t.Confirm = DefaultTimeouts.Confirm
	}
	return t
}

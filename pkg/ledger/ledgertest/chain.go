// Package ledgertest provides an in-memory ledger that enforces the same record state
// machine as the on-chain contracts. It is meant for tests of the components above
// the ledger adapter.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Operation names accepted by FailNext and FailAfterApply.
const (
	OpLatestBlock   = "LatestBlock"
	OpResolvedBets  = "ResolvedBets"
	OpSubscribe     = "Subscribe"
	OpBetDetails    = "BetDetails"
	OpRecord        = "Record"
	OpRecords       = "Records"
	OpStats         = "Stats"
	OpPoolBalance   = "PoolBalance"
	OpCreateRequest = "CreateRequest"
	OpExecute       = "Execute"
	OpWaitFinality  = "WaitFinality"
	OpIsOperator    = "IsOperator"
	OpGasPrice      = "GasPrice"
	OpPing          = "Ping"
)

type fault struct {
	err        error
	afterApply bool
}

type subscriber struct {
	feed chan settlement.BetResolved
	errc chan error
}

// Chain is an in-memory betting ledger plus any number of settlement ledgers.
// All state shares one mutex, so every operation is atomic like a transaction.
type Chain struct {
	mu     sync.Mutex
	clock  clock.Clock
	block  uint64
	txSeq  int64
	bets   map[string]settlement.BetDetails
	events []settlement.BetResolved
	subs   map[*subscriber]struct{}
	faults map[string][]fault

	noSubscribe bool
	betCalls    int
	gasPrice    *big.Int
	latency     time.Duration
}

var (
	_ ledger.BettingLedger = (*Chain)(nil)
	_ ledger.Network       = (*Chain)(nil)
)

// NewChain returns an empty chain at block 1 that reads time from clk.
func NewChain(clk clock.Clock) *Chain {
	return &Chain{
		clock:  clk,
		block:  1,
		bets:   make(map[string]settlement.BetDetails),
		subs:   make(map[*subscriber]struct{}),
		faults: make(map[string][]fault),

		// 2 gwei
		gasPrice: big.NewInt(2_000_000_000),
		latency:  20 * time.Millisecond,
	}
}

// SetNetwork sets what GasPrice and Ping report.
func (c *Chain) SetNetwork(gasPrice *big.Int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = new(big.Int).Set(gasPrice)
	c.latency = latency
}

func (c *Chain) GasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.takeFault(OpGasPrice); ok {
		return nil, f.err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

// Ping reports the configured latency without sleeping.
func (c *Chain) Ping(context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.takeFault(OpPing); ok {
		return 0, f.err
	}
	return c.latency, nil
}

// DisableSubscriptions makes SubscribeResolvedBets report ErrSubscriptionUnsupported.
func (c *Chain) DisableSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSubscribe = true
}

// FailNext makes the next call of op return err without touching state.
func (c *Chain) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], fault{err: err})
}

// FailAfterApply makes the next call of op apply its effect and still return err,
// like a transaction that lands after the client gave up on it.
func (c *Chain) FailAfterApply(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], fault{err: err, afterApply: true})
}

func (c *Chain) takeFault(op string) (fault, bool) {
	q := c.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	c.faults[op] = q[1:]
	return q[0], true
}

// MineBlocks advances the head without emitting anything.
func (c *Chain) MineBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block += n
}

// ResolveBet stores d as settled, emits its resolution event in a new block, and
// pushes it to live subscribers.
func (c *Chain) ResolveBet(d settlement.BetDetails) settlement.BetResolved {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.SettledAt.IsZero() {
		d.SettledAt = c.clock.Now()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.SettledAt
	}
	d.Settled = true
	c.bets[d.RequestID.String()] = d

	c.block++
	ev := d.Event()
	ev.BlockNumber = c.block
	ev.LogIndex = uint(len(c.events))
	ev.TxHash = c.nextHash()
	c.events = append(c.events, ev)
	c.publish(ev)
	return ev
}

// Redeliver pushes ev to live subscribers again without changing state.
func (c *Chain) Redeliver(ev settlement.BetResolved) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(ev)
}

// DropSubscriptions fails every live subscription with err.
func (c *Chain) DropSubscriptions(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		select {
		case s.errc <- err:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// BetDetailsCalls counts BetDetails invocations.
func (c *Chain) BetDetailsCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.betCalls
}

func (c *Chain) publish(ev settlement.BetResolved) {
	for s := range c.subs {
		select {
		case s.feed <- ev:
		default:
		}
	}
}

func (c *Chain) nextHash() common.Hash {
	c.txSeq++
	return common.BigToHash(big.NewInt(c.txSeq))
}

func (c *Chain) LatestBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.takeFault(OpLatestBlock); ok {
		return 0, f.err
	}
	return c.block, nil
}

func (c *Chain) ResolvedBets(_ context.Context, from, to uint64) ([]settlement.BetResolved, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.takeFault(OpResolvedBets); ok {
		return nil, f.err
	}
	var out []settlement.BetResolved
	for _, ev := range c.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (c *Chain) SubscribeResolvedBets(_ context.Context, sink chan<- settlement.BetResolved) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.takeFault(OpSubscribe); ok {
		return nil, f.err
	}
	if c.noSubscribe {
		return nil, ledger.ErrSubscriptionUnsupported
	}
	s := &subscriber{feed: make(chan settlement.BetResolved, 256), errc: make(chan error, 1)}
	c.subs[s] = struct{}{}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			c.mu.Lock()
			delete(c.subs, s)
			c.mu.Unlock()
		}()
		for {
			select {
			case ev := <-s.feed:
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-s.errc:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Chain) BetDetails(_ context.Context, requestID *big.Int) (settlement.BetDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.betCalls++
	if f, ok := c.takeFault(OpBetDetails); ok {
		return settlement.BetDetails{}, f.err
	}
	d, ok := c.bets[requestID.String()]
	if !ok {
		return settlement.BetDetails{}, settlement.NewError(settlement.KindNotFound, 0, requestID, "bet not found", nil)
	}
	return d, nil
}

// SetBet stores bet details without emitting an event, e.g. an unsettled bet.
func (c *Chain) SetBet(d settlement.BetDetails) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bets[d.RequestID.String()] = d
}

// String is used in test failure output.
func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("chain(block=%d events=%d)", c.block, len(c.events))
}

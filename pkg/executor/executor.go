// Package executor drives Pending settlement records to their terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/audit"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/notify"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Records is the part of the record store the executor needs.
type Records interface {
	GetRecord(ctx context.Context, id *big.Int) (settlement.Request, error)
	Invalidate(ctx context.Context, id *big.Int)
}

// Executor sends execute transactions once the timing gate has opened. The ledger
// decides the terminal state; the executor only reports it.
type Executor struct {
	policy   settlement.Policy
	records  Records
	ledger   ledger.SettlementLedger
	notifier notify.Notifier
	archiver audit.Archiver
	clock    clock.Clock
	log      *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithClock(c clock.Clock) Option        { return func(e *Executor) { e.clock = c } }
func WithLogger(l *zap.Logger) Option       { return func(e *Executor) { e.log = l } }
func WithNotifier(n notify.Notifier) Option { return func(e *Executor) { e.notifier = n } }
func WithArchiver(a audit.Archiver) Option  { return func(e *Executor) { e.archiver = a } }

func New(policy settlement.Policy, records Records, l ledger.SettlementLedger, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy,
		records:  records,
		ledger:   l,
		notifier: notify.Nop{},
		archiver: audit.Nop{},
		clock:    clock.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.Stringer("pipeline", policy.Pipeline))
	return e
}

// GateOpensAt is when rec first becomes executable.
func (e *Executor) GateOpensAt(rec settlement.Request) time.Time {
	return e.policy.GateOpensAt(rec)
}

// Execute attempts to settle record id.
//
// NotYetDue and AlreadyProcessed send nothing. Failed comes with an
// InsufficientFunds error and Expired with a WindowExpired error; both are final.
// Otherwise the result is unresolved: untyped and transient ledger errors come back
// as TransientLedgerError and are retried, while a typed revert (NotFound,
// DataIntegrity and the like) is returned unchanged and is not.
func (e *Executor) Execute(ctx context.Context, id *big.Int) (settlement.ExecuteResult, error) {
	p := e.policy.Pipeline
	log := e.log.With(zap.String("request_id", settlement.IDString(id)))

	rec, err := e.records.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return settlement.ExecuteUnresolved, err
		}
		return settlement.ExecuteUnresolved, settlement.Transient(p, id, fmt.Errorf("read record: %w", err))
	}
	if rec.Status.Terminal() {
		log.Debug("record already terminal", zap.Stringer("status", rec.Status))
		return settlement.ExecuteAlreadyProcessed, nil
	}
	if now := e.clock.Now(); !e.policy.Due(rec, now) {
		log.Debug("timing gate closed", zap.Time("opens_at", e.GateOpensAt(rec)))
		return settlement.ExecuteNotYetDue, nil
	}

	tx, err := e.ledger.Execute(ctx, id)
	e.records.Invalidate(ctx, id)
	if err != nil {
		switch kind := settlement.KindOf(err); kind {
		case settlement.KindAlreadyProcessed:
			log.Info("record settled by another executor", zap.Error(err))
			return settlement.ExecuteAlreadyProcessed, nil
		case settlement.KindTransient, settlement.KindUnknown:
			return settlement.ExecuteUnresolved, settlement.Transient(p, id, err)
		default:
			log.Error("execute rejected by ledger", zap.Stringer("error_kind", kind), zap.Error(err))
			return settlement.ExecuteUnresolved, err
		}
	}
	if err := e.ledger.WaitFinality(ctx, tx); err != nil {
		return settlement.ExecuteUnresolved, settlement.Transient(p, id, fmt.Errorf("execute %s: %w", tx.Hex(), err))
	}

	e.records.Invalidate(ctx, id)
	rec, err = e.records.GetRecord(ctx, id)
	if err != nil {
		return settlement.ExecuteUnresolved, settlement.Transient(p, id, fmt.Errorf("read record after %s: %w", tx.Hex(), err))
	}
	return e.outcome(ctx, rec, tx)
}

func (e *Executor) outcome(ctx context.Context, rec settlement.Request, tx common.Hash) (settlement.ExecuteResult, error) {
	p := e.policy.Pipeline
	log := e.log.With(
		zap.String("request_id", settlement.IDString(rec.RequestID)),
		zap.Stringer("tx", tx),
		zap.Stringer("beneficiary", rec.Beneficiary),
		zap.String("amount", rec.Amount.String()),
		zap.Uint32("attempt", rec.AttemptCount))

	var (
		result settlement.ExecuteResult
		err    error
	)
	switch rec.Status {
	case settlement.StatusCompleted:
		result = settlement.ExecuteCompleted
		log.Info("settlement completed")
	case settlement.StatusFailed:
		result = settlement.ExecuteFailed
		err = settlement.NewError(settlement.KindInsufficientFunds, p, rec.RequestID, rec.FailureReason, nil)
		log.Error("settlement failed", zap.String("reason", rec.FailureReason))
	case settlement.StatusExpired:
		result = settlement.ExecuteExpired
		err = settlement.NewError(settlement.KindWindowExpired, p, rec.RequestID, rec.FailureReason, nil)
		log.Warn("settlement expired", zap.String("reason", rec.FailureReason))
	default:
		return settlement.ExecuteUnresolved, settlement.NewError(settlement.KindTransient, p, rec.RequestID,
			"record still pending after execute "+tx.Hex(), nil)
	}

	e.publish(ctx, rec, tx)
	return result, err
}

func (e *Executor) publish(ctx context.Context, rec settlement.Request, tx common.Hash) {
	if ev, ok := notify.Outcome(rec, tx, e.clock.Now()); ok {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.log.Warn("failed to publish outcome", zap.String("request_id", settlement.IDString(rec.RequestID)), zap.Error(err))
		}
	}
	if err := e.archiver.Archive(ctx, rec); err != nil {
		e.log.Warn("failed to archive record", zap.String("request_id", settlement.IDString(rec.RequestID)), zap.Error(err))
	}
}

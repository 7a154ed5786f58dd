// Package submitter opens Pending settlement records for resolved bets.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Records is the part of the record store the submitter needs.
type Records interface {
	Lookup(ctx context.Context, id *big.Int) (settlement.Request, bool, error)
	Invalidate(ctx context.Context, id *big.Int)
}

// Bets reads bet details from the betting ledger.
type Bets interface {
	Details(ctx context.Context, id *big.Int) (settlement.BetDetails, error)
}

// Submitter validates a resolution event and creates its settlement record.
type Submitter struct {
	policy  settlement.Policy
	bets    Bets
	records Records
	ledger  ledger.SettlementLedger
	log     *zap.Logger
}

func New(policy settlement.Policy, bets Bets, records Records, l ledger.SettlementLedger, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		policy:  policy,
		bets:    bets,
		records: records,
		ledger:  l,
		log:     log.With(zap.Stringer("pipeline", policy.Pipeline)),
	}
}

func (s *Submitter) reject(id *big.Int, reason string) (settlement.SubmitResult, error) {
	err := settlement.NewError(settlement.KindDataIntegrity, s.policy.Pipeline, id, reason, nil)
	s.log.Error("rejected settlement request", zap.String("request_id", settlement.IDString(id)), zap.String("reason", reason))
	return settlement.SubmitRejected, err
}

// Submit creates the record for ev. It returns Created once the creation is final,
// Skipped if a record already exists, and Rejected with a data-integrity error if
// the event is ineligible or inconsistent with the ledger. Any other error is
// transient and leaves the result unresolved.
func (s *Submitter) Submit(ctx context.Context, ev settlement.BetResolved) (settlement.SubmitResult, error) {
	p := s.policy.Pipeline
	id := ev.RequestID
	log := s.log.With(zap.String("request_id", settlement.IDString(id)))

	if id == nil || id.Sign() <= 0 {
		return s.reject(id, "missing request id")
	}
	if !p.Eligible(ev.IsWinner) {
		return s.reject(id, fmt.Sprintf("bet with isWinner=%t is not eligible for %s", ev.IsWinner, p))
	}

	_, exists, err := s.records.Lookup(ctx, id)
	if err != nil {
		return settlement.SubmitUnresolved, settlement.Transient(p, id, fmt.Errorf("existence check: %w", err))
	}
	if exists {
		log.Debug("record already exists, skipping")
		return settlement.SubmitSkipped, nil
	}

	bet, err := s.bets.Details(ctx, id)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return s.reject(id, "bet not found on betting ledger")
		}
		return settlement.SubmitUnresolved, settlement.Transient(p, id, fmt.Errorf("read bet details: %w", err))
	}
	if !bet.Settled {
		return settlement.SubmitUnresolved, settlement.NewError(settlement.KindTransient, p, id, "bet not settled yet", nil)
	}
	if reason := mismatch(ev, bet); reason != "" {
		return s.reject(id, reason)
	}

	amount := s.policy.Formula.Amount(bet.BetAmount, bet.SettledAt)
	if p == settlement.PipelinePayout && ev.PayoutAmount != nil && ev.PayoutAmount.Cmp(amount) != 0 {
		return s.reject(id, fmt.Sprintf("payout amount %s does not match expected %s", ev.PayoutAmount, amount))
	}
	if amount.Sign() <= 0 {
		return s.reject(id, "computed amount is zero")
	}

	params := settlement.CreateParams{
		RequestID:       id,
		Beneficiary:     bet.Beneficiary,
		Asset:           bet.Asset,
		Amount:          amount,
		SourceBetAmount: bet.BetAmount,
		SourceCreatedAt: bet.CreatedAt,
		SourceSettledAt: bet.SettledAt,
		Choice:          bet.Choice,
		Outcome:         bet.Outcome,
		IsWinner:        bet.IsWinner,
	}
	tx, err := s.ledger.CreateRequest(ctx, params)
	if err != nil {
		switch settlement.KindOf(err) {
		case settlement.KindAlreadyExists, settlement.KindAlreadyProcessed:
			s.records.Invalidate(ctx, id)
			log.Info("record created concurrently, skipping", zap.Error(err))
			return settlement.SubmitSkipped, nil
		case settlement.KindDataIntegrity:
			log.Error("ledger rejected settlement request", zap.Error(err))
			return settlement.SubmitRejected, err
		default:
			return settlement.SubmitUnresolved, settlement.Transient(p, id, err)
		}
	}

	if err := s.ledger.WaitFinality(ctx, tx); err != nil {
		s.records.Invalidate(ctx, id)
		return settlement.SubmitUnresolved, settlement.Transient(p, id, fmt.Errorf("create %s: %w", tx.Hex(), err))
	}
	s.records.Invalidate(ctx, id)
	log.Info("settlement request created",
		zap.Stringer("tx", tx),
		zap.Stringer("beneficiary", bet.Beneficiary),
		zap.String("amount", amount.String()))
	return settlement.SubmitCreated, nil
}

// SubmitByID rebuilds the resolution event from the betting ledger and submits it.
func (s *Submitter) SubmitByID(ctx context.Context, id *big.Int) (settlement.SubmitResult, error) {
	bet, err := s.bets.Details(ctx, id)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return s.reject(id, "bet not found on betting ledger")
		}
		return settlement.SubmitUnresolved, settlement.Transient(s.policy.Pipeline, id, err)
	}
	if !bet.Settled {
		return settlement.SubmitUnresolved, settlement.NewError(settlement.KindTransient, s.policy.Pipeline, id, "bet not settled yet", nil)
	}
	return s.Submit(ctx, bet.Event())
}

func mismatch(ev settlement.BetResolved, bet settlement.BetDetails) string {
	switch {
	case ev.Beneficiary != bet.Beneficiary:
		return fmt.Sprintf("beneficiary %s does not match ledger %s", ev.Beneficiary.Hex(), bet.Beneficiary.Hex())
	case ev.BetAmount != nil && bet.BetAmount != nil && ev.BetAmount.Cmp(bet.BetAmount) != 0:
		return fmt.Sprintf("bet amount %s does not match ledger %s", ev.BetAmount, bet.BetAmount)
	case ev.IsWinner != bet.IsWinner:
		return "winner flag does not match ledger"
	default:
		return ""
	}
}

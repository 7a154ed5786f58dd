package ledgertest

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// ReasonInsufficientBalance is the failure reason recorded when the pool cannot pay.
const ReasonInsufficientBalance = "Insufficient contract balance"

// ReasonWindowExpired is the failure reason recorded for expired records.
const ReasonWindowExpired = "Payout window expired"

// Operator is the signing account of every in-memory settlement contract. It holds
// OPERATOR_ROLE until RevokeOperator is called.
var Operator = common.HexToAddress("0x00000000000000000000000000000000000000a0")

// Settlement is one pipeline's in-memory settlement contract.
type Settlement struct {
	chain    *Chain
	pipeline settlement.Pipeline
	policy   settlement.Policy
	roles    map[common.Address]bool

	records map[string]*settlement.Request
	pool    map[common.Address]*big.Int
	paid    map[common.Address]*big.Int
	stats   settlement.AggregateStats
	faults  map[string][]fault

	createCalls  int
	executeCalls int
	recordCalls  int
}

var _ ledger.SettlementLedger = (*Settlement)(nil)

// NewSettlement deploys a settlement contract on c that enforces policy.
func (c *Chain) NewSettlement(policy settlement.Policy) *Settlement {
	return &Settlement{
		chain:    c,
		pipeline: policy.Pipeline,
		policy:   policy,
		roles:    map[common.Address]bool{Operator: true},
		records:  make(map[string]*settlement.Request),
		pool:     make(map[common.Address]*big.Int),
		paid:     make(map[common.Address]*big.Int),
		stats:    settlement.AggregateStats{Pipeline: policy.Pipeline, TotalDisbursed: new(big.Int)},
		faults:   make(map[string][]fault),
	}
}

// FailNext makes the next call of op on this contract return err.
func (s *Settlement) FailNext(op string, err error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.faults[op] = append(s.faults[op], fault{err: err})
}

// FailAfterApply makes the next call of op apply and still return err.
func (s *Settlement) FailAfterApply(op string, err error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.faults[op] = append(s.faults[op], fault{err: err, afterApply: true})
}

func (s *Settlement) takeFault(op string) (fault, bool) {
	q := s.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	s.faults[op] = q[1:]
	return q[0], true
}

// Deposit adds funds to the disbursement pool.
func (s *Settlement) Deposit(asset common.Address, amount *big.Int) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.poolOf(asset).Add(s.poolOf(asset), amount)
}

func (s *Settlement) poolOf(asset common.Address) *big.Int {
	b, ok := s.pool[asset]
	if !ok {
		b = new(big.Int)
		s.pool[asset] = b
	}
	return b
}

// Paid returns the total disbursed to beneficiary.
func (s *Settlement) Paid(beneficiary common.Address) *big.Int {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if v, ok := s.paid[beneficiary]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// CreateCalls counts CreateRequest transactions, including rejected ones.
func (s *Settlement) CreateCalls() int {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.createCalls
}

// ExecuteCalls counts Execute transactions, including reverted ones.
func (s *Settlement) ExecuteCalls() int {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.executeCalls
}

// RecordCalls counts single-record reads.
func (s *Settlement) RecordCalls() int {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.recordCalls
}

// Put stores rec directly, bypassing validation. Used to seed restart scenarios.
func (s *Settlement) Put(rec settlement.Request) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	cp := rec
	cp.Pipeline = s.pipeline
	s.records[rec.RequestID.String()] = &cp
	s.stats.TotalRequests++
}

func (s *Settlement) Pipeline() settlement.Pipeline { return s.pipeline }

// GrantOperator gives account OPERATOR_ROLE.
func (s *Settlement) GrantOperator(account common.Address) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.roles[account] = true
}

// RevokeOperator takes OPERATOR_ROLE away from account.
func (s *Settlement) RevokeOperator(account common.Address) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	delete(s.roles, account)
}

func (s *Settlement) Operator() common.Address { return Operator }

func (s *Settlement) IsOperator(_ context.Context, account common.Address) (bool, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if f, ok := s.takeFault(OpIsOperator); ok {
		return false, f.err
	}
	return s.roles[account], nil
}

func (s *Settlement) Record(_ context.Context, requestID *big.Int) (settlement.Request, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.recordCalls++
	if f, ok := s.takeFault(OpRecord); ok {
		return settlement.Request{}, f.err
	}
	rec, ok := s.records[requestID.String()]
	if !ok {
		return settlement.Request{}, settlement.NewError(settlement.KindNotFound, s.pipeline, requestID, "", nil)
	}
	return copyRecord(rec), nil
}

func (s *Settlement) Records(_ context.Context, ids []*big.Int) ([]settlement.Request, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if f, ok := s.takeFault(OpRecords); ok {
		return nil, f.err
	}
	var out []settlement.Request
	for _, id := range ids {
		if rec, ok := s.records[id.String()]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (s *Settlement) Stats(context.Context) (settlement.AggregateStats, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if f, ok := s.takeFault(OpStats); ok {
		return settlement.AggregateStats{}, f.err
	}
	st := s.stats
	st.TotalDisbursed = new(big.Int).Set(s.stats.TotalDisbursed)
	return st, nil
}

func (s *Settlement) PoolBalance(_ context.Context, asset common.Address) (*big.Int, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if f, ok := s.takeFault(OpPoolBalance); ok {
		return nil, f.err
	}
	return new(big.Int).Set(s.poolOf(asset)), nil
}

func (s *Settlement) revert(kind settlement.ErrorKind, id *big.Int, reason string) error {
	return settlement.NewError(kind, s.pipeline, id, reason, nil)
}

func (s *Settlement) CreateRequest(_ context.Context, p settlement.CreateParams) (common.Hash, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.createCalls++

	f, faulted := s.takeFault(OpCreateRequest)
	if faulted && !f.afterApply {
		return common.Hash{}, f.err
	}

	if p.RequestID == nil || p.RequestID.Sign() == 0 || p.Beneficiary == (common.Address{}) {
		return common.Hash{}, s.revert(settlement.KindDataIntegrity, p.RequestID, "InvalidBetData")
	}
	if !s.pipeline.Eligible(p.IsWinner) {
		return common.Hash{}, s.revert(settlement.KindDataIntegrity, p.RequestID, "ineligible bet")
	}
	if want := s.policy.Formula.Amount(p.SourceBetAmount, p.SourceSettledAt); want.Cmp(p.Amount) != 0 {
		return common.Hash{}, s.revert(settlement.KindDataIntegrity, p.RequestID, "amount mismatch")
	}
	key := p.RequestID.String()
	if _, exists := s.records[key]; exists {
		return common.Hash{}, s.revert(settlement.KindAlreadyExists, p.RequestID, "already exists")
	}

	s.records[key] = &settlement.Request{
		Pipeline:        s.pipeline,
		RequestID:       new(big.Int).Set(p.RequestID),
		Beneficiary:     p.Beneficiary,
		Asset:           p.Asset,
		Amount:          new(big.Int).Set(p.Amount),
		SourceBetAmount: new(big.Int).Set(p.SourceBetAmount),
		SourceCreatedAt: p.SourceCreatedAt,
		SourceSettledAt: p.SourceSettledAt,
		Status:          settlement.StatusPending,
		CreatedAt:       s.chain.clock.Now(),
	}
	s.stats.TotalRequests++
	hash := s.chain.nextHash()
	if faulted {
		return common.Hash{}, f.err
	}
	return hash, nil
}

func (s *Settlement) Execute(_ context.Context, requestID *big.Int) (common.Hash, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.executeCalls++

	f, faulted := s.takeFault(OpExecute)
	if faulted && !f.afterApply {
		return common.Hash{}, f.err
	}

	rec, ok := s.records[requestID.String()]
	if !ok {
		return common.Hash{}, s.revert(settlement.KindNotFound, requestID, "request not found")
	}
	if rec.Status.Terminal() {
		return common.Hash{}, s.revert(settlement.KindAlreadyProcessed, requestID, "not pending")
	}
	now := s.chain.clock.Now()
	if !s.policy.Due(*rec, now) {
		return common.Hash{}, s.revert(settlement.KindTransient, requestID, "too early")
	}

	rec.AttemptCount++
	switch {
	case s.policy.WindowClosed(*rec, now):
		rec.Status = settlement.StatusExpired
		rec.FailureReason = ReasonWindowExpired
		s.stats.ExpiredCount++
	case s.poolOf(rec.Asset).Cmp(rec.Amount) < 0:
		rec.Status = settlement.StatusFailed
		rec.FailureReason = ReasonInsufficientBalance
		s.stats.FailedCount++
	default:
		s.poolOf(rec.Asset).Sub(s.poolOf(rec.Asset), rec.Amount)
		paid, ok := s.paid[rec.Beneficiary]
		if !ok {
			paid = new(big.Int)
			s.paid[rec.Beneficiary] = paid
		}
		paid.Add(paid, rec.Amount)
		rec.Status = settlement.StatusCompleted
		s.stats.CompletedCount++
		s.stats.TotalDisbursed.Add(s.stats.TotalDisbursed, rec.Amount)
	}
	rec.DisbursedAt = &now

	hash := s.chain.nextHash()
	if faulted {
		return common.Hash{}, f.err
	}
	return hash, nil
}

func (s *Settlement) WaitFinality(context.Context, common.Hash) error {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if f, ok := s.takeFault(OpWaitFinality); ok {
		return f.err
	}
	return nil
}

func copyRecord(rec *settlement.Request) settlement.Request {
	cp := *rec
	if rec.DisbursedAt != nil {
		at := *rec.DisbursedAt
		cp.DisbursedAt = &at
	}
	return cp
}

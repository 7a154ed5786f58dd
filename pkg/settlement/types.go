package settlement

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pipeline identifies one of the downstream settlement processes fed by a resolved bet.
type Pipeline uint8

const (
	PipelinePayout Pipeline = iota + 1
	PipelineMining
)

// Pipelines lists every known pipeline in a stable order.
var Pipelines = []Pipeline{PipelinePayout, PipelineMining}

func (p Pipeline) String() string {
	switch p {
	case PipelinePayout:
		return "payout"
	case PipelineMining:
		return "mining"
	default:
		return fmt.Sprintf("pipeline(%d)", uint8(p))
	}
}

// ParsePipeline maps a CLI or config name onto a Pipeline.
func ParsePipeline(s string) (Pipeline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "payout":
		return PipelinePayout, nil
	case "mining":
		return PipelineMining, nil
	default:
		return 0, fmt.Errorf("unknown pipeline %q", s)
	}
}

// Eligible reports whether a bet with the given outcome earns a record in this pipeline.
// Payouts go to winners, mining rewards go to losers.
func (p Pipeline) Eligible(isWinner bool) bool {
	switch p {
	case PipelinePayout:
		return isWinner
	case PipelineMining:
		return !isWinner
	default:
		return false
	}
}

func (p Pipeline) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pipeline) UnmarshalText(b []byte) error {
	v, err := ParsePipeline(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the lifecycle state of a settlement record. It is shared by both pipelines
// and only ever moves from Pending to exactly one terminal state.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
	StatusExpired
)

// StatusFromWire decodes the uint8 status stored by the settlement contracts.
func StatusFromWire(v uint8) (Status, error) {
	if v > uint8(StatusExpired) {
		return 0, fmt.Errorf("unknown settlement status code %d", v)
	}
	return Status(v), nil
}

// Wire returns the contract encoding of the status.
func (s Status) Wire() uint8 { return uint8(s) }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s > StatusExpired {
		return nil, fmt.Errorf("unknown settlement status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "completed":
		*s = StatusCompleted
	case "failed":
		*s = StatusFailed
	case "expired":
		*s = StatusExpired
	default:
		return fmt.Errorf("unknown settlement status %q", string(b))
	}
	return nil
}

// NativeAsset is the asset address used for the chain's native value.
var NativeAsset = common.Address{}

// Request is the settlement record the ledger holds for one resolved bet in one pipeline.
type Request struct {
	Pipeline        Pipeline       `json:"pipeline"`
	RequestID       *big.Int       `json:"requestId"`
	Beneficiary     common.Address `json:"beneficiary"`
	Asset           common.Address `json:"asset"`
	Amount          *big.Int       `json:"amount"`
	SourceBetAmount *big.Int       `json:"sourceBetAmount"`
	SourceCreatedAt time.Time      `json:"sourceCreatedAt"`
	SourceSettledAt time.Time      `json:"sourceSettledAt"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	DisbursedAt     *time.Time     `json:"disbursedAt,omitempty"`
	AttemptCount    uint32         `json:"attemptCount"`
	FailureReason   string         `json:"failureReason,omitempty"`
}

// IsNative reports whether the record pays out in the chain's native value.
func (r Request) IsNative() bool { return r.Asset == NativeAsset }

// BetResolved is the upstream event emitted once randomness has settled a bet.
type BetResolved struct {
	RequestID    *big.Int       `json:"requestId"`
	Beneficiary  common.Address `json:"beneficiary"`
	BetAmount    *big.Int       `json:"betAmount"`
	PayoutAmount *big.Int       `json:"payoutAmount"`
	Choice       bool           `json:"choice"`
	Outcome      bool           `json:"outcome"`
	IsWinner     bool           `json:"isWinner"`

	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	LogIndex    uint        `json:"logIndex"`
	// Removed is set when the log was dropped by a chain reorganisation.
	Removed bool `json:"removed,omitempty"`
}

// BetDetails is the betting ledger's view of a bet.
type BetDetails struct {
	RequestID    *big.Int       `json:"requestId"`
	Beneficiary  common.Address `json:"beneficiary"`
	Asset        common.Address `json:"asset"`
	BetAmount    *big.Int       `json:"betAmount"`
	PayoutAmount *big.Int       `json:"payoutAmount"`
	CreatedAt    time.Time      `json:"createdAt"`
	SettledAt    time.Time      `json:"settledAt"`
	Settled      bool           `json:"settled"`
	Choice       bool           `json:"choice"`
	Outcome      bool           `json:"outcome"`
	IsWinner     bool           `json:"isWinner"`
}

// Event rebuilds the resolution event from stored bet details.
func (d BetDetails) Event() BetResolved {
	return BetResolved{
		RequestID:    d.RequestID,
		Beneficiary:  d.Beneficiary,
		BetAmount:    d.BetAmount,
		PayoutAmount: d.PayoutAmount,
		Choice:       d.Choice,
		Outcome:      d.Outcome,
		IsWinner:     d.IsWinner,
	}
}

// CreateParams is everything a settlement ledger needs to open a Pending record.
type CreateParams struct {
	RequestID       *big.Int
	Beneficiary     common.Address
	Asset           common.Address
	Amount          *big.Int
	SourceBetAmount *big.Int
	SourceCreatedAt time.Time
	SourceSettledAt time.Time
	Choice          bool
	Outcome         bool
	IsWinner        bool
}

// AggregateStats summarises one pipeline's records as reported by its ledger.
type AggregateStats struct {
	Pipeline       Pipeline `json:"pipeline"`
	TotalRequests  uint64   `json:"totalRequests"`
	CompletedCount uint64   `json:"completedCount"`
	FailedCount    uint64   `json:"failedCount"`
	ExpiredCount   uint64   `json:"expiredCount"`
	TotalDisbursed *big.Int `json:"totalDisbursed"`
}

// Pending returns the number of records that have not reached a terminal state.
func (s AggregateStats) Pending() uint64 {
	done := s.CompletedCount + s.FailedCount + s.ExpiredCount
	if done > s.TotalRequests {
		return 0
	}
	return s.TotalRequests - done
}

// SubmitResult is the outcome of asking the Submitter to open a record.
type SubmitResult uint8

const (
	// SubmitUnresolved accompanies a transient error: nothing is known yet.
	SubmitUnresolved SubmitResult = iota
	SubmitCreated
	SubmitSkipped
	SubmitRejected
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitCreated:
		return "created"
	case SubmitSkipped:
		return "skipped"
	case SubmitRejected:
		return "rejected"
	default:
		return "unresolved"
	}
}

// ExecuteResult is the outcome of one execution attempt.
type ExecuteResult uint8

const (
	// ExecuteUnresolved accompanies a transient error.
	ExecuteUnresolved ExecuteResult = iota
	ExecuteCompleted
	ExecuteFailed
	ExecuteExpired
	ExecuteNotYetDue
	ExecuteAlreadyProcessed
)

func (r ExecuteResult) String() string {
	switch r {
	case ExecuteCompleted:
		return "completed"
	case ExecuteFailed:
		return "failed"
	case ExecuteExpired:
		return "expired"
	case ExecuteNotYetDue:
		return "notYetDue"
	case ExecuteAlreadyProcessed:
		return "alreadyProcessed"
	default:
		return "unresolved"
	}
}

// IDString formats a request id for keys and logs. A nil id prints as "<nil>".
func IDString(id *big.Int) string {
	if id == nil {
		return "<nil>"
	}
	return id.String()
}

// ParseRequestID parses a decimal or 0x-prefixed request id.
func ParseRequestID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	id, ok := new(big.Int).SetString(s, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid request id %q", s)
	}
	return id, nil
}

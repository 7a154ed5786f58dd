package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

const bettingABIJSON = `[
 {"type":"event","name":"BetSettled","anonymous":false,"inputs":[
  {"indexed":true,"name":"requestId","type":"uint256"},
  {"indexed":true,"name":"player","type":"address"},
  {"indexed":false,"name":"betAmount","type":"uint256"},
  {"indexed":false,"name":"payoutAmount","type":"uint256"},
  {"indexed":false,"name":"playerChoice","type":"bool"},
  {"indexed":false,"name":"diceResult","type":"bool"},
  {"indexed":false,"name":"isWinner","type":"bool"}]},
 {"type":"function","name":"getBetInfo","stateMutability":"view",
  "inputs":[{"name":"requestId","type":"uint256"}],
  "outputs":[{"name":"info","type":"tuple","components":[
   {"name":"requestId","type":"uint256"},
   {"name":"player","type":"address"},
   {"name":"betAmount","type":"uint96"},
   {"name":"tokenAddress","type":"address"},
   {"name":"payoutAmount","type":"uint96"},
   {"name":"createdAt","type":"uint64"},
   {"name":"settledAt","type":"uint64"},
   {"name":"status","type":"uint8"},
   {"name":"isEvenChoice","type":"bool"},
   {"name":"diceResult","type":"bool"}]}]}
]`

const recordComponents = `[
   {"name":"requestId","type":"uint256"},
   {"name":"player","type":"address"},
   {"name":"tokenAddress","type":"address"},
   {"name":"amount","type":"uint256"},
   {"name":"betAmount","type":"uint256"},
   {"name":"createdAt","type":"uint64"},
   {"name":"settledAt","type":"uint64"},
   {"name":"requestedAt","type":"uint64"},
   {"name":"processedAt","type":"uint64"},
   {"name":"status","type":"uint8"},
   {"name":"attempts","type":"uint32"},
   {"name":"failureReason","type":"string"}]`

// settlementABITemplate is shared by the payout and mining contracts; only names differ.
const settlementABITemplate = `[
 {"type":"function","name":"%[1]s","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"requestId","type":"uint256"},
  {"name":"player","type":"address"},
  {"name":"tokenAddress","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"betAmount","type":"uint256"},
  {"name":"createdAt","type":"uint256"},
  {"name":"settledAt","type":"uint256"},
  {"name":"playerChoice","type":"bool"},
  {"name":"diceResult","type":"bool"},
  {"name":"isWinner","type":"bool"}]},
 {"type":"function","name":"%[2]s","stateMutability":"nonpayable","outputs":[],
  "inputs":[{"name":"requestId","type":"uint256"}]},
 {"type":"function","name":"%[3]s","stateMutability":"view",
  "inputs":[{"name":"requestId","type":"uint256"}],
  "outputs":[{"name":"info","type":"tuple","components":%[10]s}]},
 {"type":"function","name":"%[4]s","stateMutability":"view",
  "inputs":[{"name":"requestIds","type":"uint256[]"}],
  "outputs":[{"name":"infos","type":"tuple[]","components":%[10]s}]},
 {"type":"function","name":"getContractStats","stateMutability":"view","inputs":[],"outputs":[
  {"name":"totalRequests","type":"uint256"},
  {"name":"completedCount","type":"uint256"},
  {"name":"failedCount","type":"uint256"},
  {"name":"expiredCount","type":"uint256"},
  {"name":"totalDisbursed","type":"uint256"}]},
 {"type":"function","name":"getContractBalance","stateMutability":"view",
  "inputs":[{"name":"tokenAddress","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"OPERATOR_ROLE","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"hasRole","stateMutability":"view",
  "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"error","name":"%[5]s","inputs":[{"name":"requestId","type":"uint256"}]},
 {"type":"error","name":"%[6]s","inputs":[{"name":"requestId","type":"uint256"}]},
 {"type":"error","name":"%[7]s","inputs":[{"name":"expected","type":"uint256"},{"name":"actual","type":"uint256"}]},
 {"type":"error","name":"%[8]s","inputs":[{"name":"requestId","type":"uint256"}]},
 {"type":"error","name":"%[9]s","inputs":[{"name":"requestId","type":"uint256"},{"name":"readyAt","type":"uint256"}]},
 {"type":"error","name":"InvalidBetData","inputs":[]},
 {"type":"error","name":"EnforcedPause","inputs":[]}
]`

// contractNames holds the per-pipeline method and error names of a settlement contract.
type contractNames struct {
	Submit    string
	Execute   string
	Info      string
	InfoBatch string

	AlreadyExists  string
	Ineligible     string
	AmountMismatch string
	NotPending     string
	TooEarly       string
}

var (
	payoutNames = contractNames{
		Submit:         "submitPayoutRequest",
		Execute:        "executePayout",
		Info:           "getPayoutInfo",
		InfoBatch:      "getPayoutInfoBatch",
		AlreadyExists:  "PayoutAlreadyProcessed",
		Ineligible:     "NotWinningBet",
		AmountMismatch: "PayoutAmountMismatch",
		NotPending:     "PayoutNotPending",
		TooEarly:       "PayoutTooEarly",
	}
	miningNames = contractNames{
		Submit:         "submitMiningRequest",
		Execute:        "executeMining",
		Info:           "getMiningInfo",
		InfoBatch:      "getMiningInfoBatch",
		AlreadyExists:  "BetAlreadyMined",
		Ineligible:     "InvalidGameResult",
		AmountMismatch: "MiningAmountMismatch",
		NotPending:     "MiningNotPending",
		TooEarly:       "MiningTooEarly",
	}
)

func namesFor(p settlement.Pipeline) (contractNames, error) {
	switch p {
	case settlement.PipelinePayout:
		return payoutNames, nil
	case settlement.PipelineMining:
		return miningNames, nil
	default:
		return contractNames{}, fmt.Errorf("no settlement contract for %s", p)
	}
}

func (n contractNames) abiJSON() string {
	return fmt.Sprintf(settlementABITemplate,
		n.Submit, n.Execute, n.Info, n.InfoBatch,
		n.AlreadyExists, n.Ineligible, n.AmountMismatch, n.NotPending, n.TooEarly,
		recordComponents)
}

// errorKinds maps custom error names to the settlement taxonomy.
func (n contractNames) errorKinds() map[string]settlement.ErrorKind {
	return map[string]settlement.ErrorKind{
		n.AlreadyExists:  settlement.KindAlreadyExists,
		n.Ineligible:     settlement.KindDataIntegrity,
		n.AmountMismatch: settlement.KindDataIntegrity,
		"InvalidBetData": settlement.KindDataIntegrity,
		n.NotPending:     settlement.KindAlreadyProcessed,
		n.TooEarly:       settlement.KindTransient,
		"EnforcedPause":  settlement.KindTransient,
	}
}

func parseABI(raw string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract ABI: %w", err)
	}
	return parsed, nil
}

// Field names follow abi.ToCamelCase of the component names so abi.ConvertType can map them.

type betSettledWire struct {
	RequestId    *big.Int
	Player       common.Address
	BetAmount    *big.Int
	PayoutAmount *big.Int
	PlayerChoice bool
	DiceResult   bool
	IsWinner     bool
}

type betInfoWire struct {
	RequestId    *big.Int
	Player       common.Address
	BetAmount    *big.Int
	TokenAddress common.Address
	PayoutAmount *big.Int
	CreatedAt    uint64
	SettledAt    uint64
	Status       uint8
	IsEvenChoice bool
	DiceResult   bool
}

// Bet status codes on the betting contract.
const (
	betStatusWon  uint8 = 2
	betStatusLost uint8 = 3
)

type recordWire struct {
	RequestId     *big.Int
	Player        common.Address
	TokenAddress  common.Address
	Amount        *big.Int
	BetAmount     *big.Int
	CreatedAt     uint64
	SettledAt     uint64
	RequestedAt   uint64
	ProcessedAt   uint64
	Status        uint8
	Attempts      uint32
	FailureReason string
}

func (w recordWire) toRequest(p settlement.Pipeline) (settlement.Request, error) {
	status, err := settlement.StatusFromWire(w.Status)
	if err != nil {
		return settlement.Request{}, settlement.NewError(settlement.KindDataIntegrity, p, w.RequestId, "", err)
	}
	rec := settlement.Request{
		Pipeline:        p,
		RequestID:       w.RequestId,
		Beneficiary:     w.Player,
		Asset:           w.TokenAddress,
		Amount:          w.Amount,
		SourceBetAmount: w.BetAmount,
		SourceCreatedAt: unixTime(w.CreatedAt),
		SourceSettledAt: unixTime(w.SettledAt),
		Status:          status,
		CreatedAt:       unixTime(w.RequestedAt),
		AttemptCount:    w.Attempts,
		FailureReason:   w.FailureReason,
	}
	if status.Terminal() && w.ProcessedAt != 0 {
		at := unixTime(w.ProcessedAt)
		rec.DisbursedAt = &at
	}
	return rec, nil
}

func (w betInfoWire) toDetails() settlement.BetDetails {
	settled := w.Status == betStatusWon || w.Status == betStatusLost
	return settlement.BetDetails{
		RequestID:    w.RequestId,
		Beneficiary:  w.Player,
		Asset:        w.TokenAddress,
		BetAmount:    w.BetAmount,
		PayoutAmount: w.PayoutAmount,
		CreatedAt:    unixTime(w.CreatedAt),
		SettledAt:    unixTime(w.SettledAt),
		Settled:      settled,
		Choice:       w.IsEvenChoice,
		Outcome:      w.DiceResult,
		IsWinner:     w.Status == betStatusWon,
	}
}

func unixTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func unixBig(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

package settlement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Formula computes the amount a record must carry for a settled bet.
type Formula interface {
	Amount(betAmount *big.Int, settledAt time.Time) *big.Int
}

// PayoutFormula pays a fixed multiple of the stake, rounded down to the smallest unit.
type PayoutFormula struct {
	Ratio decimal.Decimal
}

// DefaultPayoutRatio is the 1.9x payout the game advertises.
var DefaultPayoutRatio = decimal.RequireFromString("1.9")

// NewPayoutFormula parses a decimal ratio such as "1.9".
func NewPayoutFormula(ratio string) (PayoutFormula, error) {
	if ratio == "" {
		return PayoutFormula{Ratio: DefaultPayoutRatio}, nil
	}
	r, err := decimal.NewFromString(ratio)
	if err != nil {
		return PayoutFormula{}, fmt.Errorf("invalid payout ratio %q: %w", ratio, err)
	}
	if !r.IsPositive() {
		return PayoutFormula{}, fmt.Errorf("payout ratio must be positive, got %s", r)
	}
	return PayoutFormula{Ratio: r}, nil
}

func (f PayoutFormula) Amount(betAmount *big.Int, _ time.Time) *big.Int {
	if betAmount == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(betAmount, 0).Mul(f.Ratio).Floor().BigInt()
}

// MiningFormula rewards losing bets at a ratio (per hundred) that decays once per day
// since Genesis. Integer arithmetic matches the mining contract exactly.
type MiningFormula struct {
	Genesis      time.Time
	InitialRatio int64
	DecayPercent int64
	MinRatio     int64
	MaxReward    *big.Int
}

// DefaultMaxMiningReward caps a single reward at 10 000 tokens of 18 decimals.
var DefaultMaxMiningReward = new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18))

// NewMiningFormula returns the contract defaults: 100% at genesis, 99% daily decay.
func NewMiningFormula(genesis time.Time) MiningFormula {
	return MiningFormula{
		Genesis:      genesis,
		InitialRatio: 100,
		DecayPercent: 99,
		MinRatio:     1,
		MaxReward:    new(big.Int).Set(DefaultMaxMiningReward),
	}
}

// RatioAt returns the ratio, per hundred, in force at t.
func (f MiningFormula) RatioAt(t time.Time) int64 {
	ratio := f.InitialRatio
	if t.Before(f.Genesis) {
		return ratio
	}
	days := int64(t.Sub(f.Genesis) / (24 * time.Hour))
	for i := int64(0); i < days; i++ {
		next := ratio * f.DecayPercent / 100
		if next <= f.MinRatio {
			return f.MinRatio
		}
		ratio = next
	}
	return ratio
}

func (f MiningFormula) Amount(betAmount *big.Int, settledAt time.Time) *big.Int {
	if betAmount == nil {
		return new(big.Int)
	}
	reward := new(big.Int).Mul(betAmount, big.NewInt(f.RatioAt(settledAt)))
	reward.Quo(reward, big.NewInt(100))
	if f.MaxReward != nil && reward.Cmp(f.MaxReward) > 0 {
		reward.Set(f.MaxReward)
	}
	return reward
}

// Policy groups the per-pipeline rules shared by the Submitter and the Executor.
type Policy struct {
	Pipeline Pipeline
	Formula  Formula
	// MinimumDelay is the timing gate measured from the bet's settlement time.
	MinimumDelay time.Duration
	// DisbursementWindow bounds how long a Pending record may wait, measured the same way.
	DisbursementWindow time.Duration
}

// GateOpensAt is the earliest instant execution may be attempted.
func (p Policy) GateOpensAt(r Request) time.Time {
	return r.SourceSettledAt.Add(p.MinimumDelay)
}

// Due reports whether the timing gate has opened at now.
func (p Policy) Due(r Request, now time.Time) bool {
	return !now.Before(p.GateOpensAt(r))
}

// WindowClosed reports whether the disbursement window has elapsed at now.
func (p Policy) WindowClosed(r Request, now time.Time) bool {
	return p.DisbursementWindow > 0 && now.After(r.SourceSettledAt.Add(p.DisbursementWindow))
}

// FormatUnits renders an integer amount with the given number of decimals.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

package supervisor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/cursor"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Health grades a pool balance against its thresholds.
type Health string

const (
	HealthOK       Health = "ok"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// BalanceThresholds are in the asset's smallest unit. A nil threshold is not checked.
type BalanceThresholds struct {
	Warning  *big.Int
	Critical *big.Int
}

// WholeTokens builds thresholds from whole-token amounts of an asset with the given decimals.
func WholeTokens(warning, critical int64, decimals int) BalanceThresholds {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return BalanceThresholds{
		Warning:  new(big.Int).Mul(big.NewInt(warning), unit),
		Critical: new(big.Int).Mul(big.NewInt(critical), unit),
	}
}

func (b BalanceThresholds) Classify(balance *big.Int) Health {
	if balance == nil {
		return HealthOK
	}
	if b.Critical != nil && balance.Cmp(b.Critical) < 0 {
		return HealthCritical
	}
	if b.Warning != nil && balance.Cmp(b.Warning) < 0 {
		return HealthWarning
	}
	return HealthOK
}

// Status is one pipeline's view for operators.
type Status struct {
	Pipeline    settlement.Pipeline       `json:"pipeline"`
	Stats       settlement.AggregateStats `json:"stats"`
	Pending     uint64                    `json:"pending"`
	Failed      uint64                    `json:"failed"`
	Asset       common.Address            `json:"asset"`
	PoolBalance *big.Int                  `json:"poolBalance"`
	Health      Health                    `json:"health"`
	Queued      int                       `json:"queued"`
	Cursor      *cursor.Cursor            `json:"cursor,omitempty"`
	Network     *NetworkHealth            `json:"network,omitempty"`
}

// Status reads aggregate stats and the pool balance from the ledger.
func (m *ManagedPipeline) Status(ctx context.Context) (Status, error) {
	stats, err := m.records.GetAggregateStats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%s stats: %w", m.pipeline, err)
	}
	balance, err := m.records.PoolBalance(ctx, m.asset)
	if err != nil {
		return Status{}, fmt.Errorf("%s pool balance: %w", m.pipeline, err)
	}
	st := Status{
		Pipeline:    m.pipeline,
		Stats:       stats,
		Pending:     stats.Pending(),
		Failed:      stats.FailedCount,
		Asset:       m.asset,
		PoolBalance: balance,
		Health:      m.thresholds.Classify(balance),
		Queued:      m.scheduler.Len(),
	}
	if cur, ok, err := m.watcher.Cursor(ctx); err != nil {
		m.log.Warn("cursor unavailable for status", zap.Error(err))
	} else if ok {
		st.Cursor = &cur
	}
	if h, err := m.Network(ctx); err != nil {
		m.log.Warn("network health unavailable for status", zap.Error(err))
	} else {
		st.Network = h
	}
	return st, nil
}

func (s Status) fields() []zap.Field {
	fields := []zap.Field{
		zap.Stringer("pipeline", s.Pipeline),
		zap.Uint64("total", s.Stats.TotalRequests),
		zap.Uint64("completed", s.Stats.CompletedCount),
		zap.Uint64("failed", s.Stats.FailedCount),
		zap.Uint64("expired", s.Stats.ExpiredCount),
		zap.Uint64("pending", s.Pending),
		zap.String("disbursed", settlement.FormatUnits(s.Stats.TotalDisbursed, 18)),
		zap.String("pool_balance", settlement.FormatUnits(s.PoolBalance, 18)),
		zap.String("health", string(s.Health)),
		zap.Int("queued", s.Queued),
	}
	if s.Cursor != nil {
		fields = append(fields, zap.Uint64("cursor_block", s.Cursor.LastProcessedBlock))
	}
	return fields
}

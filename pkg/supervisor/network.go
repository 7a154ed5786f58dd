package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// ErrNotOperator is returned by Preflight when the signing account cannot operate
// the settlement contract.
var ErrNotOperator = errors.New("signer lacks OPERATOR_ROLE")

// GasHealth grades the network gas price against the configured one.
type GasHealth string

const (
	GasNormal    GasHealth = "normal"
	GasCongested GasHealth = "congested"
	GasIdle      GasHealth = "idle"
)

// NetworkThresholds decide when the endpoint is reported as degraded.
type NetworkThresholds struct {
	// GasPrice is the price transactions are configured for. Nil skips the gas grade.
	GasPrice *big.Int
	// CongestedFactor flags congestion when the network price exceeds GasPrice times this.
	CongestedFactor int64
	// MaxLatency flags a slow endpoint. Zero disables the check.
	MaxLatency time.Duration
}

var DefaultNetworkThresholds = NetworkThresholds{
	CongestedFactor: 3,
	MaxLatency:      5 * time.Second,
}

// NetworkHealth is the last gas price and RPC round trip seen on the chain endpoint.
type NetworkHealth struct {
	GasPrice           *big.Int  `json:"gasPrice"`
	ConfiguredGasPrice *big.Int  `json:"configuredGasPrice,omitempty"`
	Gas                GasHealth `json:"gas"`
	LatencyMillis      int64     `json:"latencyMs"`
	SlowRPC            bool      `json:"slowRpc"`
}

// Degraded reports whether the endpoint needs an operator's attention.
func (h NetworkHealth) Degraded() bool {
	return h.Gas == GasCongested || h.SlowRPC
}

// Grade compares a gas price and round trip against the thresholds.
func (t NetworkThresholds) Grade(gasPrice *big.Int, latency time.Duration) NetworkHealth {
	h := NetworkHealth{
		GasPrice:           gasPrice,
		ConfiguredGasPrice: t.GasPrice,
		Gas:                GasNormal,
		LatencyMillis:      latency.Milliseconds(),
		SlowRPC:            t.MaxLatency > 0 && latency > t.MaxLatency,
	}
	if t.GasPrice == nil || t.GasPrice.Sign() == 0 || gasPrice == nil {
		return h
	}
	factor := t.CongestedFactor
	if factor < 1 {
		factor = DefaultNetworkThresholds.CongestedFactor
	}
	switch {
	case gasPrice.Cmp(new(big.Int).Mul(t.GasPrice, big.NewInt(factor))) > 0:
		h.Gas = GasCongested
	case gasPrice.Cmp(new(big.Int).Quo(t.GasPrice, big.NewInt(2))) < 0:
		h.Gas = GasIdle
	}
	return h
}

func (h NetworkHealth) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("gas", string(h.Gas)),
		zap.String("gas_price_gwei", settlement.FormatUnits(h.GasPrice, 9)),
		zap.Int64("latency_ms", h.LatencyMillis),
		zap.Bool("slow_rpc", h.SlowRPC),
	}
	if h.ConfiguredGasPrice != nil {
		fields = append(fields, zap.String("configured_gas_price_gwei", settlement.FormatUnits(h.ConfiguredGasPrice, 9)))
	}
	return fields
}

// Network measures the chain endpoint. It returns nil when no Network was configured.
func (m *ManagedPipeline) Network(ctx context.Context) (*NetworkHealth, error) {
	if m.network == nil {
		return nil, nil
	}
	latency, err := m.network.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc ping: %w", err)
	}
	price, err := m.network.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	h := m.netThresholds.Grade(price, latency)
	return &h, nil
}

// Preflight checks that the signing account holds OPERATOR_ROLE on the settlement
// contract and logs the network's health. Only the role check can fail it.
func (m *ManagedPipeline) Preflight(ctx context.Context) error {
	op := m.contract.Operator()
	if op == (common.Address{}) {
		return fmt.Errorf("%s: %w: no signing account configured", m.pipeline, ErrNotOperator)
	}
	ok, err := m.contract.IsOperator(ctx, op)
	if err != nil {
		return fmt.Errorf("%s operator check: %w", m.pipeline, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w: %s", m.pipeline, ErrNotOperator, op.Hex())
	}
	m.log.Info("operator role verified", zap.Stringer("operator", op))

	h, err := m.Network(ctx)
	switch {
	case err != nil:
		m.log.Warn("network health unavailable", zap.Error(err))
	case h == nil:
	case h.Degraded():
		m.log.Warn("network degraded", h.fields()...)
	default:
		m.log.Info("network health", h.fields()...)
	}
	return nil
}

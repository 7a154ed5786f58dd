package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// EVMConfig configures the connection shared by every contract binding.
type EVMConfig struct {
	RPCURL string
	// WSURL enables push subscriptions. Without it the watcher polls.
	WSURL         string
	ChainID       uint64
	Confirmations uint64
	// BlockRange caps the span of a single log query.
	BlockRange   uint64
	PollInterval time.Duration
	Timeouts     Timeouts
	ReadRetry    ReadRetry
}

// Client is a connected EVM endpoint.
type Client struct {
	rpc     *ethclient.Client
	ws      *ethclient.Client
	chainID *big.Int
	cfg     EVMConfig
	log     *zap.Logger
}

func (cfg EVMConfig) withDefaults() EVMConfig {
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	if cfg.ReadRetry.Attempts == 0 {
		cfg.ReadRetry = DefaultReadRetry
	}
	if cfg.BlockRange == 0 {
		cfg.BlockRange = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return cfg
}

// Dial connects to the configured endpoints and verifies the chain id.
func Dial(ctx context.Context, cfg EVMConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: rpc url is required")
	}
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Call)
	defer cancel()

	rpcClient, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.RPCURL, err)
	}
	var ws *ethclient.Client
	switch {
	case cfg.WSURL != "":
		ws, err = ethclient.DialContext(dialCtx, cfg.WSURL)
		if err != nil {
			log.Warn("websocket endpoint unavailable, falling back to polling", zap.String("url", cfg.WSURL), zap.Error(err))
			ws = nil
		}
	case strings.HasPrefix(cfg.RPCURL, "ws"):
		ws = rpcClient
	}

	c, err := NewClient(dialCtx, rpcClient, ws, cfg, log)
	if err != nil {
		if ws != nil && ws != rpcClient {
			ws.Close()
		}
		rpcClient.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps connected endpoints and verifies the chain id. ws may be nil, in
// which case the watcher polls.
func NewClient(ctx context.Context, rpcClient, ws *ethclient.Client, cfg EVMConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: endpoint reports %s, configured %d", chainID, cfg.ChainID)
	}
	return &Client{rpc: rpcClient, ws: ws, chainID: chainID, cfg: cfg, log: log}, nil
}

// ChainID returns the endpoint's chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases both connections.
func (c *Client) Close() {
	if c.ws != nil && c.ws != c.rpc {
		c.ws.Close()
	}
	c.rpc.Close()
}

func (c *Client) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.cfg.ReadRetry.do(ctx, c.cfg.Timeouts.Call, c.log, op, fn)
}

func (c *Client) latestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.read(ctx, "eth_blockNumber", func(ctx context.Context) error {
		n, err := c.rpc.BlockNumber(ctx)
		if err != nil {
			return settlement.Transient(0, nil, err)
		}
		head = n
		return nil
	})
	return head, err
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.read(ctx, "eth_gasPrice", func(ctx context.Context) error {
		p, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return settlement.Transient(0, nil, err)
		}
		price = p
		return nil
	})
	return price, err
}

// Ping times one eth_blockNumber round trip. It is not retried.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Call)
	defer cancel()
	start := time.Now()
	if _, err := c.rpc.BlockNumber(ctx); err != nil {
		return 0, settlement.Transient(0, nil, err)
	}
	return time.Since(start), nil
}

// waitFinality polls for the receipt until it has the configured confirmations.
func (c *Client) waitFinality(ctx context.Context, p settlement.Pipeline, tx common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Confirm)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, tx)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusFailed:
			return settlement.NewError(settlement.KindTransient, p, nil, "transaction reverted",
				fmt.Errorf("tx %s reverted in block %s", tx.Hex(), receipt.BlockNumber))
		case err == nil:
			head, herr := c.rpc.BlockNumber(ctx)
			if herr == nil && head+1 >= receipt.BlockNumber.Uint64()+c.cfg.Confirmations {
				return nil
			}
		case !errors.Is(err, ethereum.NotFound):
			c.log.Debug("receipt lookup failed", zap.Stringer("tx", tx), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return settlement.NewError(settlement.KindTransient, p, nil, "confirmation timeout",
				fmt.Errorf("tx %s not final: %w", tx.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

// EVMBetting reads resolved bets from the betting contract.
type EVMBetting struct {
	client   *Client
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	eventID  common.Hash
}

var _ BettingLedger = (*EVMBetting)(nil)

// NewBetting binds the betting contract at address.
func NewBetting(c *Client, address common.Address) (*EVMBetting, error) {
	parsed, err := parseABI(bettingABIJSON)
	if err != nil {
		return nil, err
	}
	return &EVMBetting{
		client:   c,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, c.rpc, c.rpc, c.rpc),
		eventID:  parsed.Events["BetSettled"].ID,
	}, nil
}

func (b *EVMBetting) LatestBlock(ctx context.Context) (uint64, error) {
	return b.client.latestBlock(ctx)
}

func (b *EVMBetting) query(from, to uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{{b.eventID}},
	}
	if to >= from {
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
	}
	return q
}

func (b *EVMBetting) ResolvedBets(ctx context.Context, from, to uint64) ([]settlement.BetResolved, error) {
	var out []settlement.BetResolved
	step := b.client.cfg.BlockRange
	for start := from; start <= to; start += step {
		end := start + step - 1
		if end > to {
			end = to
		}
		var logs []types.Log
		err := b.client.read(ctx, "eth_getLogs", func(ctx context.Context) error {
			l, err := b.client.rpc.FilterLogs(ctx, b.query(start, end))
			if err != nil {
				return settlement.Transient(0, nil, err)
			}
			logs = l
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("query resolved bets %d-%d: %w", start, end, err)
		}
		for _, l := range logs {
			ev, err := b.decode(l)
			if err != nil {
				b.client.log.Warn("skipping undecodable BetSettled log",
					zap.Stringer("tx", l.TxHash), zap.Uint("index", l.Index), zap.Error(err))
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *EVMBetting) SubscribeResolvedBets(ctx context.Context, sink chan<- settlement.BetResolved) (ethereum.Subscription, error) {
	if b.client.ws == nil {
		return nil, ErrSubscriptionUnsupported
	}
	logs := make(chan types.Log, 128)
	sub, err := b.client.ws.SubscribeFilterLogs(ctx, b.query(1, 0), logs)
	if err != nil {
		return nil, settlement.Transient(0, nil, fmt.Errorf("subscribe BetSettled: %w", err))
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				ev, err := b.decode(l)
				if err != nil {
					b.client.log.Warn("skipping undecodable BetSettled log", zap.Stringer("tx", l.TxHash), zap.Error(err))
					continue
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (b *EVMBetting) decode(l types.Log) (settlement.BetResolved, error) {
	var w betSettledWire
	if err := b.contract.UnpackLog(&w, "BetSettled", l); err != nil {
		return settlement.BetResolved{}, err
	}
	return settlement.BetResolved{
		RequestID:    w.RequestId,
		Beneficiary:  w.Player,
		BetAmount:    w.BetAmount,
		PayoutAmount: w.PayoutAmount,
		Choice:       w.PlayerChoice,
		Outcome:      w.DiceResult,
		IsWinner:     w.IsWinner,
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash,
		LogIndex:     l.Index,
		Removed:      l.Removed,
	}, nil
}

func (b *EVMBetting) BetDetails(ctx context.Context, requestID *big.Int) (settlement.BetDetails, error) {
	var w betInfoWire
	err := b.client.read(ctx, "getBetInfo", func(ctx context.Context) error {
		var out []interface{}
		if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getBetInfo", requestID); err != nil {
			return settlement.Transient(0, requestID, err)
		}
		w = *abi.ConvertType(out[0], new(betInfoWire)).(*betInfoWire)
		return nil
	})
	if err != nil {
		return settlement.BetDetails{}, err
	}
	if w.RequestId == nil || w.RequestId.Sign() == 0 {
		return settlement.BetDetails{}, settlement.NewError(settlement.KindNotFound, 0, requestID, "bet not found", nil)
	}
	return w.toDetails(), nil
}

// GasLimits fixes the gas for each transaction type. Zero means estimate.
type GasLimits struct {
	Create  uint64
	Execute uint64
	// Price in wei. Nil lets the node suggest one.
	Price *big.Int
}

// EVMSettlement binds one pipeline's settlement contract.
type EVMSettlement struct {
	client     *Client
	pipeline   settlement.Pipeline
	names      contractNames
	contract   *bind.BoundContract
	classifier *Classifier
	signer     *bind.TransactOpts
	gas        GasLimits

	// sendMu serialises sends so concurrent submissions do not race on the nonce.
	sendMu sync.Mutex
}

var (
	_ SettlementLedger = (*EVMSettlement)(nil)
	_ Network          = (*Client)(nil)
)

// NewSettlement binds the settlement contract of pipeline p. A nil key gives a read-only binding.
func NewSettlement(c *Client, p settlement.Pipeline, address common.Address, key *ecdsa.PrivateKey, gas GasLimits) (*EVMSettlement, error) {
	names, err := namesFor(p)
	if err != nil {
		return nil, err
	}
	parsed, err := parseABI(names.abiJSON())
	if err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(p)
	if err != nil {
		return nil, err
	}
	s := &EVMSettlement{
		client:     c,
		pipeline:   p,
		names:      names,
		contract:   bind.NewBoundContract(address, parsed, c.rpc, c.rpc, c.rpc),
		classifier: classifier,
		gas:        gas,
	}
	if key != nil {
		s.signer, err = bind.NewKeyedTransactorWithChainID(key, c.chainID)
		if err != nil {
			return nil, fmt.Errorf("create transactor: %w", err)
		}
	}
	return s, nil
}

// ParsePrivateKey decodes a hex private key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func (s *EVMSettlement) Pipeline() settlement.Pipeline { return s.pipeline }

func (s *EVMSettlement) call(ctx context.Context, op string, id *big.Int, out *[]interface{}, args ...interface{}) error {
	return s.client.read(ctx, op, func(ctx context.Context) error {
		if err := s.contract.Call(&bind.CallOpts{Context: ctx}, out, op, args...); err != nil {
			return s.classifier.Classify(id, err)
		}
		return nil
	})
}

func (s *EVMSettlement) Record(ctx context.Context, requestID *big.Int) (settlement.Request, error) {
	var out []interface{}
	if err := s.call(ctx, s.names.Info, requestID, &out, requestID); err != nil {
		return settlement.Request{}, err
	}
	w := *abi.ConvertType(out[0], new(recordWire)).(*recordWire)
	if w.RequestId == nil || w.RequestId.Sign() == 0 {
		return settlement.Request{}, settlement.NewError(settlement.KindNotFound, s.pipeline, requestID, "", nil)
	}
	return w.toRequest(s.pipeline)
}

func (s *EVMSettlement) Records(ctx context.Context, ids []*big.Int) ([]settlement.Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []interface{}
	if err := s.call(ctx, s.names.InfoBatch, nil, &out, ids); err != nil {
		return nil, err
	}
	wires := *abi.ConvertType(out[0], new([]recordWire)).(*[]recordWire)
	recs := make([]settlement.Request, 0, len(wires))
	for _, w := range wires {
		if w.RequestId == nil || w.RequestId.Sign() == 0 {
			continue
		}
		rec, err := w.toRequest(s.pipeline)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *EVMSettlement) Stats(ctx context.Context) (settlement.AggregateStats, error) {
	var out []interface{}
	if err := s.call(ctx, "getContractStats", nil, &out); err != nil {
		return settlement.AggregateStats{}, err
	}
	if len(out) != 5 {
		return settlement.AggregateStats{}, fmt.Errorf("getContractStats: expected 5 values, got %d", len(out))
	}
	return settlement.AggregateStats{
		Pipeline:       s.pipeline,
		TotalRequests:  out[0].(*big.Int).Uint64(),
		CompletedCount: out[1].(*big.Int).Uint64(),
		FailedCount:    out[2].(*big.Int).Uint64(),
		ExpiredCount:   out[3].(*big.Int).Uint64(),
		TotalDisbursed: out[4].(*big.Int),
	}, nil
}

func (s *EVMSettlement) PoolBalance(ctx context.Context, asset common.Address) (*big.Int, error) {
	var out []interface{}
	if err := s.call(ctx, "getContractBalance", nil, &out, asset); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Operator returns the signing account, or the zero address for a read-only binding.
func (s *EVMSettlement) Operator() common.Address {
	if s.signer == nil {
		return common.Address{}
	}
	return s.signer.From
}

// IsOperator reads OPERATOR_ROLE from the contract and checks account against it.
func (s *EVMSettlement) IsOperator(ctx context.Context, account common.Address) (bool, error) {
	var out []interface{}
	if err := s.call(ctx, "OPERATOR_ROLE", nil, &out); err != nil {
		return false, err
	}
	role := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)

	out = nil
	if err := s.call(ctx, "hasRole", nil, &out, role, account); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (s *EVMSettlement) transact(ctx context.Context, id *big.Int, gas uint64, method string, args ...interface{}) (common.Hash, error) {
	if s.signer == nil {
		return common.Hash{}, fmt.Errorf("%s: no signing key configured", method)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.Timeouts.Submit)
	defer cancel()

	opts := *s.signer
	opts.Context = ctx
	opts.GasLimit = gas
	opts.GasPrice = s.gas.Price
	tx, err := s.contract.Transact(&opts, method, args...)
	if err != nil {
		return common.Hash{}, s.classifier.Classify(id, err)
	}
	s.client.log.Info("settlement transaction sent",
		zap.Stringer("pipeline", s.pipeline),
		zap.String("method", method),
		zap.String("request_id", settlement.IDString(id)),
		zap.Stringer("tx", tx.Hash()))
	return tx.Hash(), nil
}

func (s *EVMSettlement) CreateRequest(ctx context.Context, p settlement.CreateParams) (common.Hash, error) {
	return s.transact(ctx, p.RequestID, s.gas.Create, s.names.Submit,
		p.RequestID, p.Beneficiary, p.Asset, p.Amount, p.SourceBetAmount,
		unixBig(p.SourceCreatedAt), unixBig(p.SourceSettledAt),
		p.Choice, p.Outcome, p.IsWinner)
}

func (s *EVMSettlement) Execute(ctx context.Context, requestID *big.Int) (common.Hash, error) {
	return s.transact(ctx, requestID, s.gas.Execute, s.names.Execute, requestID)
}

func (s *EVMSettlement) WaitFinality(ctx context.Context, tx common.Hash) error {
	return s.client.waitFinality(ctx, s.pipeline, tx)
}

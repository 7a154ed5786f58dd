// Package app assembles the settlement pipelines from configuration.
package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/internal/config"
	"github.com/web3ekko/ekko-settler/pkg/audit"
	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/cursor"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/notify"
	"github.com/web3ekko/ekko-settler/pkg/retry"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/store"
	"github.com/web3ekko/ekko-settler/pkg/supervisor"
	"github.com/web3ekko/ekko-settler/pkg/watcher"
)

// Ledgers are the chain bindings the pipelines run against.
type Ledgers struct {
	Betting    ledger.BettingLedger
	Settlement map[settlement.Pipeline]ledger.SettlementLedger
	// Network reports the endpoint's gas price and latency. Nil disables the checks.
	Network ledger.Network
}

// App holds the assembled pipelines and the connections they share.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	pipelines map[settlement.Pipeline]*supervisor.ManagedPipeline
	order     []*supervisor.ManagedPipeline
	closers   []io.Closer
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// New dials the chain and every configured backing service. Without a private key
// the settlement bindings are read-only, which is enough for status.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	client, err := ledger.Dial(ctx, ledger.EVMConfig{
		RPCURL:        cfg.Chain.RPCURL,
		WSURL:         cfg.Chain.WSURL,
		ChainID:       cfg.Chain.ChainID,
		Confirmations: cfg.Chain.Confirmations,
		BlockRange:    cfg.Chain.BlockRange,
		Timeouts: ledger.Timeouts{
			Call:    cfg.Chain.CallTimeout,
			Submit:  cfg.Chain.SubmitTimeout,
			Confirm: cfg.Chain.ConfirmTimeout,
		},
	}, log)
	if err != nil {
		return nil, err
	}
	ledgers, err := bind(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	a, err := Assemble(ctx, cfg, ledgers, clock.New(), log)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeFunc(func() error { client.Close(); return nil }))
	return a, nil
}

func bind(client *ledger.Client, cfg *config.Config) (Ledgers, error) {
	betting, err := ledger.NewBetting(client, common.HexToAddress(cfg.Chain.BettingContract))
	if err != nil {
		return Ledgers{}, fmt.Errorf("bind betting contract: %w", err)
	}
	ledgers := Ledgers{
		Betting:    betting,
		Settlement: make(map[settlement.Pipeline]ledger.SettlementLedger),
		Network:    client,
	}

	key, err := signingKey(cfg)
	if err != nil {
		return Ledgers{}, err
	}
	price, err := cfg.Chain.GasPrice()
	if err != nil {
		return Ledgers{}, err
	}
	for _, p := range cfg.Enabled() {
		pc := cfg.Pipeline(p)
		s, err := ledger.NewSettlement(client, p, common.HexToAddress(pc.Contract), key,
			ledger.GasLimits{Create: pc.GasCreate, Execute: pc.GasExecute, Price: price})
		if err != nil {
			return Ledgers{}, fmt.Errorf("bind %s contract: %w", p, err)
		}
		ledgers.Settlement[p] = s
	}
	return ledgers, nil
}

func signingKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.PrivateKey == "" {
		return nil, nil
	}
	return ledger.ParsePrivateKey(cfg.PrivateKey)
}

// Assemble builds the pipelines on top of already-bound ledgers.
func Assemble(ctx context.Context, cfg *config.Config, ledgers Ledgers, clk clock.Clock, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	a := &App{cfg: cfg, log: log, pipelines: make(map[settlement.Pipeline]*supervisor.ManagedPipeline)}

	records, cursors, err := a.storage(ctx, clk)
	if err != nil {
		a.Close()
		return nil, err
	}
	notifier, err := a.notifier()
	if err != nil {
		a.Close()
		return nil, err
	}
	archiver, err := a.archiver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	gasPrice, err := cfg.Chain.GasPrice()
	if err != nil {
		a.Close()
		return nil, err
	}
	network := supervisor.NetworkThresholds{
		GasPrice:        gasPrice,
		CongestedFactor: cfg.Chain.CongestedFactor,
		MaxLatency:      cfg.Chain.MaxLatency,
	}

	for _, p := range cfg.Enabled() {
		sl, ok := ledgers.Settlement[p]
		if !ok {
			a.Close()
			return nil, fmt.Errorf("no settlement ledger bound for %s", p)
		}
		policy, err := cfg.Policy(p)
		if err != nil {
			a.Close()
			return nil, err
		}
		pc := cfg.Pipeline(p)
		var asset common.Address
		if pc.Asset != "" {
			asset = common.HexToAddress(pc.Asset)
		}
		m, err := supervisor.NewManagedPipeline(supervisor.Components{
			Policy:   policy,
			Betting:  ledgers.Betting,
			Ledger:   sl,
			Records:  store.NewRecordStore(sl, records, cfg.Redis.CacheTTL, log),
			Bets:     store.NewBetStore(ledgers.Betting, records, cfg.Redis.CacheTTL, log),
			Cursors:  cursors,
			Notifier: notifier,
			Archiver: archiver,
			Watcher: watcher.Config{
				Confirmations:     cfg.Chain.Confirmations,
				BackfillBlocks:    cfg.Watcher.BackfillBlocks,
				MaxBackfillBlocks: cfg.Watcher.MaxBackfillBlocks,
				PollInterval:      cfg.Watcher.PollInterval,
				Concurrency:       cfg.Watcher.Concurrency,
			},
			Retry: retry.Policy{
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				MaxAttempts: cfg.Retry.MaxRetries,
				Concurrency: cfg.Retry.Concurrency,
			},
			Asset:             asset,
			Thresholds:        supervisor.WholeTokens(pc.WarningBalance, pc.CriticalBalance, 18),
			Network:           ledgers.Network,
			NetworkThresholds: network,
			Clock:             clk,
			Logger:            log,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pipelines[p] = m
		a.order = append(a.order, m)
	}
	return a, nil
}

// storage picks Redis when configured, in-memory otherwise.
func (a *App) storage(ctx context.Context, clk clock.Clock) (cache.Cache, cursor.Store, error) {
	if a.cfg.Redis.URL == "" {
		a.log.Info("redis not configured, using in-memory cache and cursors")
		return cache.NewMemoryCache(clk), cursor.NewMemoryStore(), nil
	}
	client, err := cache.NewRedisClient(ctx, a.cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.closers = append(a.closers, client)
	return cache.NewRedisAdapter(client, a.cfg.Redis.Prefix+"cache:"), cursor.NewRedisStore(client, a.cfg.Redis.Prefix), nil
}

func (a *App) notifier() (notify.Notifier, error) {
	if a.cfg.NATS.URL == "" {
		return notify.Nop{}, nil
	}
	n, err := notify.NewJetStreamNotifier(notify.NATSConfig{
		URL:    a.cfg.NATS.URL,
		Stream: a.cfg.NATS.Stream,
		Prefix: a.cfg.NATS.Prefix,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n)
	return n, nil
}

func (a *App) archiver(ctx context.Context) (audit.Archiver, error) {
	if a.cfg.Archive.Endpoint == "" {
		return audit.Nop{}, nil
	}
	arch, err := audit.NewMinioArchiver(ctx, audit.MinioConfig{
		Endpoint:   a.cfg.Archive.Endpoint,
		AccessKey:  a.cfg.Archive.AccessKey,
		SecretKey:  a.cfg.Archive.SecretKey,
		UseSSL:     a.cfg.Archive.UseSSL,
		BucketName: a.cfg.Archive.Bucket,
		BasePath:   a.cfg.Archive.BasePath,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up archive: %w", err)
	}
	return arch, nil
}

// Pipeline returns the pipeline p, or an error if it is not enabled.
func (a *App) Pipeline(p settlement.Pipeline) (*supervisor.ManagedPipeline, error) {
	m, ok := a.pipelines[p]
	if !ok {
		return nil, fmt.Errorf("pipeline %s is not enabled", p)
	}
	return m, nil
}

// Pipelines returns the enabled pipelines in a stable order.
func (a *App) Pipelines() []*supervisor.ManagedPipeline { return a.order }

// Preflight verifies that the signer may operate every enabled pipeline's contract.
// Commands that sign transactions call it before doing any work.
func (a *App) Preflight(ctx context.Context) error {
	var errs []error
	for _, m := range a.order {
		if err := m.Preflight(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Supervisor runs every enabled pipeline on the configured schedule.
func (a *App) Supervisor() *supervisor.Supervisor {
	return supervisor.New(a.order, supervisor.Schedule{
		Backfill: a.cfg.Schedule.Backfill,
		Report:   a.cfg.Schedule.Report,
	}, a.log)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

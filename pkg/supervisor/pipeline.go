// Package supervisor runs the settlement pipelines: one watcher, retry scheduler,
// submitter and executor per pipeline, plus the periodic jobs that keep them honest.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/audit"
	"github.com/web3ekko/ekko-settler/pkg/cursor"
	"github.com/web3ekko/ekko-settler/pkg/executor"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/notify"
	"github.com/web3ekko/ekko-settler/pkg/retry"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/store"
	"github.com/web3ekko/ekko-settler/pkg/submitter"
	"github.com/web3ekko/ekko-settler/pkg/watcher"
)

// Components is everything needed to assemble one pipeline.
type Components struct {
	Policy   settlement.Policy
	Betting  ledger.BettingLedger
	Ledger   ledger.SettlementLedger
	Records  *store.RecordStore
	Bets     *store.BetStore
	Cursors  cursor.Store
	Notifier notify.Notifier
	Archiver audit.Archiver
	Watcher  watcher.Config
	Retry    retry.Policy
	// Asset is the asset whose pool balance the status report checks.
	Asset      common.Address
	Thresholds BalanceThresholds
	// Network measures the chain endpoint for the status report. Optional.
	Network           ledger.Network
	NetworkThresholds NetworkThresholds
	Clock             clock.Clock
	Logger            *zap.Logger
}

// ManagedPipeline owns one pipeline's components and their lifecycle.
type ManagedPipeline struct {
	pipeline      settlement.Pipeline
	asset         common.Address
	thresholds    BalanceThresholds
	network       ledger.Network
	netThresholds NetworkThresholds

	contract  ledger.SettlementLedger
	records   *store.RecordStore
	submitter *submitter.Submitter
	executor  *executor.Executor
	scheduler *retry.Scheduler
	watcher   *watcher.Watcher
	clock     clock.Clock
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManagedPipeline wires the components. Nothing runs until Run.
func NewManagedPipeline(c Components) (*ManagedPipeline, error) {
	if c.Ledger == nil || c.Betting == nil {
		return nil, errors.New("pipeline needs a betting ledger and a settlement ledger")
	}
	if c.Policy.Formula == nil {
		return nil, fmt.Errorf("pipeline %s has no amount formula", c.Policy.Pipeline)
	}
	if c.Ledger.Pipeline() != c.Policy.Pipeline {
		return nil, fmt.Errorf("settlement ledger serves %s, policy is for %s", c.Ledger.Pipeline(), c.Policy.Pipeline)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	if c.Archiver == nil {
		c.Archiver = audit.Nop{}
	}
	if c.Records == nil {
		c.Records = store.NewRecordStore(c.Ledger, nil, 0, c.Logger)
	}
	if c.Bets == nil {
		c.Bets = store.NewBetStore(c.Betting, nil, 0, c.Logger)
	}
	log := c.Logger.With(zap.Stringer("pipeline", c.Policy.Pipeline))

	m := &ManagedPipeline{
		pipeline:      c.Policy.Pipeline,
		asset:         c.Asset,
		thresholds:    c.Thresholds,
		network:       c.Network,
		netThresholds: c.NetworkThresholds,
		contract:      c.Ledger,
		records:       c.Records,
		clock:         c.Clock,
		log:           log,
	}
	m.submitter = submitter.New(c.Policy, c.Bets, c.Records, c.Ledger, c.Logger)
	m.executor = executor.New(c.Policy, c.Records, c.Ledger,
		executor.WithClock(c.Clock),
		executor.WithLogger(c.Logger),
		executor.WithNotifier(c.Notifier),
		executor.WithArchiver(c.Archiver))
	m.scheduler = retry.New(c.Retry, m.handle,
		retry.WithClock(c.Clock),
		retry.WithLogger(log),
		retry.WithAlerter(notify.NewAlerter(c.Notifier, c.Clock, log)))
	m.watcher = watcher.New(c.Policy.Pipeline, c.Betting, c.Records, m, c.Cursors, c.Watcher,
		watcher.WithClock(c.Clock),
		watcher.WithLogger(c.Logger))
	return m, nil
}

func (m *ManagedPipeline) Pipeline() settlement.Pipeline { return m.pipeline }

// Scheduler exposes the retry queue, mainly for status and tests.
func (m *ManagedPipeline) Scheduler() *retry.Scheduler { return m.scheduler }

// Run starts the watcher and the retry loop and blocks until ctx is cancelled or
// Stop is called. In-flight submissions and executions finish before it returns.
func (m *ManagedPipeline) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("pipeline %s already running", m.pipeline)
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	m.log.Info("starting pipeline")
	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	err := m.scheduler.Run(ctx)
	m.watcher.Stop()
	m.scheduler.Wait()
	m.log.Info("pipeline stopped", zap.Int("queued", m.scheduler.Len()))
	return err
}

// Stop asks Run to return.
func (m *ManagedPipeline) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// Wait blocks until Run has returned.
func (m *ManagedPipeline) Wait() { m.wg.Wait() }

// Backfill rescans recent blocks for work the live feed missed.
func (m *ManagedPipeline) Backfill(ctx context.Context) error {
	return m.watcher.Backfill(ctx)
}

// Submit opens the record for request id now, outside the retry queue.
func (m *ManagedPipeline) Submit(ctx context.Context, id *big.Int) (settlement.SubmitResult, error) {
	return m.submitter.SubmitByID(ctx, id)
}

// Execute attempts record id now, outside the retry queue.
func (m *ManagedPipeline) Execute(ctx context.Context, id *big.Int) (settlement.ExecuteResult, error) {
	return m.executor.Execute(ctx, id)
}

// Record reads record id through the store.
func (m *ManagedPipeline) Record(ctx context.Context, id *big.Int) (settlement.Request, error) {
	return m.records.GetRecord(ctx, id)
}

// OnResolved queues the submission for a new event.
func (m *ManagedPipeline) OnResolved(_ context.Context, ev settlement.BetResolved) {
	m.scheduler.Schedule(retry.NewSubmitTask(m.pipeline, ev))
}

// OnPending queues execution of a record found Pending, e.g. after a restart.
func (m *ManagedPipeline) OnPending(_ context.Context, rec settlement.Request) {
	m.deferExecute(rec)
}

// OnError counts a failed existence check against the submission.
func (m *ManagedPipeline) OnError(ctx context.Context, ev settlement.BetResolved, err error) {
	m.scheduler.Enqueue(ctx, retry.NewSubmitTask(m.pipeline, ev), settlement.Transient(m.pipeline, ev.RequestID, err))
}

func (m *ManagedPipeline) deferExecute(rec settlement.Request) {
	task := retry.NewTask(retry.KindExecute, m.pipeline, rec.RequestID)
	m.scheduler.Defer(task, m.executor.GateOpensAt(rec))
}

// scheduleExecute looks the record up so the execute task can wait for its gate.
func (m *ManagedPipeline) scheduleExecute(ctx context.Context, id *big.Int) {
	rec, found, err := m.records.Lookup(ctx, id)
	switch {
	case err != nil || !found:
		m.scheduler.Schedule(retry.NewTask(retry.KindExecute, m.pipeline, id))
	case rec.Status == settlement.StatusPending:
		m.deferExecute(rec)
	}
}

// handle runs one retry task. The scheduler re-enqueues retryable errors.
func (m *ManagedPipeline) handle(ctx context.Context, t retry.Task) error {
	switch t.Kind {
	case retry.KindSubmit:
		return m.handleSubmit(ctx, t)
	case retry.KindExecute:
		return m.handleExecute(ctx, t)
	default:
		return fmt.Errorf("unknown task kind %s", t.Kind)
	}
}

func (m *ManagedPipeline) handleSubmit(ctx context.Context, t retry.Task) error {
	var (
		res settlement.SubmitResult
		err error
	)
	if t.Event != nil {
		res, err = m.submitter.Submit(ctx, *t.Event)
	} else {
		res, err = m.submitter.SubmitByID(ctx, t.RequestID)
	}
	switch res {
	case settlement.SubmitCreated, settlement.SubmitSkipped:
		m.scheduleExecute(ctx, t.RequestID)
		return nil
	case settlement.SubmitRejected:
		// Already logged by the submitter; never retried.
		return nil
	default:
		return err
	}
}

func (m *ManagedPipeline) handleExecute(ctx context.Context, t retry.Task) error {
	res, err := m.executor.Execute(ctx, t.RequestID)
	switch res {
	case settlement.ExecuteNotYetDue:
		rec, rerr := m.records.GetRecord(ctx, t.RequestID)
		if rerr != nil {
			return settlement.Transient(m.pipeline, t.RequestID, rerr)
		}
		return retry.Defer(m.executor.GateOpensAt(rec), "timing gate")
	case settlement.ExecuteCompleted, settlement.ExecuteAlreadyProcessed,
		settlement.ExecuteFailed, settlement.ExecuteExpired:
		return nil
	default:
		return err
	}
}

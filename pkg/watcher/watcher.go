// Package watcher turns bet resolution events into settlement work for one pipeline.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/web3ekko/ekko-settler/pkg/cursor"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Sink receives the events the watcher decides need work.
type Sink interface {
	// OnResolved is called for an eligible event with no settlement record yet.
	OnResolved(ctx context.Context, ev settlement.BetResolved)
	// OnPending is called when the record exists but is still Pending.
	OnPending(ctx context.Context, rec settlement.Request)
	// OnError is called when the existence check itself failed.
	OnError(ctx context.Context, ev settlement.BetResolved, err error)
}

// Records answers the existence check.
type Records interface {
	Lookup(ctx context.Context, id *big.Int) (settlement.Request, bool, error)
}

// Config tunes scanning and dispatch.
type Config struct {
	// Confirmations is how far behind the head backfill and polling stop.
	Confirmations uint64
	// BackfillBlocks is the window rescanned on every backfill.
	BackfillBlocks uint64
	// MaxBackfillBlocks bounds how far back a stale cursor may extend the window.
	MaxBackfillBlocks uint64
	PollInterval      time.Duration
	ResubscribeDelay  time.Duration
	MaxResubscribe    time.Duration
	Concurrency       int
}

var DefaultConfig = Config{
	Confirmations:     3,
	BackfillBlocks:    5_000,
	MaxBackfillBlocks: 50_000,
	PollInterval:      5 * time.Second,
	ResubscribeDelay:  time.Second,
	MaxResubscribe:    30 * time.Second,
	Concurrency:       16,
}

func (c Config) withDefaults() Config {
	if c.BackfillBlocks == 0 {
		c.BackfillBlocks = DefaultConfig.BackfillBlocks
	}
	if c.MaxBackfillBlocks < c.BackfillBlocks {
		c.MaxBackfillBlocks = max(DefaultConfig.MaxBackfillBlocks, c.BackfillBlocks)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = DefaultConfig.ResubscribeDelay
	}
	if c.MaxResubscribe < c.ResubscribeDelay {
		c.MaxResubscribe = max(DefaultConfig.MaxResubscribe, c.ResubscribeDelay)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConfig.Concurrency
	}
	return c
}

// Watcher follows the betting ledger for one pipeline.
type Watcher struct {
	pipeline settlement.Pipeline
	cfg      Config
	betting  ledger.BettingLedger
	records  Records
	sink     Sink
	cursors  cursor.Store
	clock    clock.Clock
	log      *zap.Logger

	sem      *semaphore.Weighted
	group    singleflight.Group
	handlers sync.WaitGroup
	scanMu   sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithClock(c clock.Clock) Option  { return func(w *Watcher) { w.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.log = l } }

func New(p settlement.Pipeline, betting ledger.BettingLedger, records Records, sink Sink, cursors cursor.Store, cfg Config, opts ...Option) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		pipeline: p,
		cfg:      cfg,
		betting:  betting,
		records:  records,
		sink:     sink,
		cursors:  cursors,
		clock:    clock.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cursors == nil {
		w.cursors = cursor.NewMemoryStore()
	}
	w.log = w.log.With(zap.Stringer("pipeline", p))
	w.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	return w
}

// Start backfills recent blocks and then follows new events until Stop. A failed
// initial backfill is logged; the periodic backfill picks up from there.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil || w.stopped {
		w.mu.Unlock()
		return errors.New("watcher already started or stopped")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	if err := w.Backfill(runCtx); err != nil {
		w.log.Warn("initial backfill failed", zap.Error(err))
	}
	go w.run(runCtx)
	w.log.Info("watcher started")
	return nil
}

// Stop cancels the watcher and waits for in-flight handlers. No Sink method is
// called after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.handlers.Wait()
	w.log.Info("watcher stopped")
}

func (w *Watcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Cursor returns the saved high-water mark, if any.
func (w *Watcher) Cursor(ctx context.Context) (cursor.Cursor, bool, error) {
	return w.cursors.Load(ctx, w.pipeline)
}

// Backfill rescans the last BackfillBlocks confirmed blocks, reaching further back
// to the saved cursor when it is older, up to MaxBackfillBlocks.
func (w *Watcher) Backfill(ctx context.Context) error {
	return w.scan(ctx, true)
}

func (w *Watcher) scan(ctx context.Context, window bool) error {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	latest, err := w.betting.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if latest < w.cfg.Confirmations {
		return nil
	}
	to := latest - w.cfg.Confirmations

	cur, hasCursor, err := w.cursors.Load(ctx, w.pipeline)
	if err != nil {
		w.log.Warn("cursor unavailable, scanning the default window", zap.Error(err))
		hasCursor = false
	}

	var from uint64
	switch {
	case window || !hasCursor:
		from = windowStart(to, w.cfg.BackfillBlocks)
		if hasCursor && cur.LastProcessedBlock+1 < from {
			from = max(cur.LastProcessedBlock+1, windowStart(to, w.cfg.MaxBackfillBlocks))
		}
	default:
		from = cur.LastProcessedBlock + 1
		if floor := windowStart(to, w.cfg.MaxBackfillBlocks); from < floor {
			from = floor
		}
	}
	if from > to {
		return nil
	}

	events, err := w.betting.ResolvedBets(ctx, from, to)
	if err != nil {
		return fmt.Errorf("resolved bets [%d, %d]: %w", from, to, err)
	}

	var batch sync.WaitGroup
	dispatched := 0
	for _, ev := range events {
		if !w.dispatch(ctx, ev, &batch) {
			break
		}
		dispatched++
	}
	batch.Wait()
	if dispatched < len(events) {
		return ctx.Err()
	}

	w.log.Debug("scan complete",
		zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("events", len(events)))
	w.advance(ctx, to, 0)
	return nil
}

func windowStart(to, size uint64) uint64 {
	if to+1 <= size {
		return 0
	}
	return to + 1 - size
}

func (w *Watcher) advance(ctx context.Context, block uint64, seq uint) {
	err := w.cursors.Save(ctx, cursor.Cursor{
		Pipeline:              w.pipeline,
		LastProcessedBlock:    block,
		LastProcessedSequence: seq,
		UpdatedAt:             w.clock.Now(),
	})
	if err != nil {
		w.log.Warn("failed to save cursor", zap.Uint64("block", block), zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.ResubscribeDelay
	for {
		received, err := w.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ledger.ErrSubscriptionUnsupported) {
			w.poll(ctx)
			return
		}
		if received {
			delay = w.cfg.ResubscribeDelay
		}
		w.log.Warn("subscription lost, resubscribing", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(delay):
		}
		delay = min(delay*2, w.cfg.MaxResubscribe)

		if err := w.Backfill(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("catch-up backfill failed", zap.Error(err))
		}
	}
}

// follow consumes the live subscription until it fails. It reports whether any
// event arrived.
func (w *Watcher) follow(ctx context.Context) (bool, error) {
	events := make(chan settlement.BetResolved, 128)
	sub, err := w.betting.SubscribeResolvedBets(ctx, events)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return received, err
		case ev := <-events:
			received = true
			w.dispatch(ctx, ev, nil)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	w.log.Info("live subscription unsupported, polling", zap.Duration("interval", w.cfg.PollInterval))
	ticker := w.clock.Ticker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.scan(ctx, false); err != nil && ctx.Err() == nil {
				w.log.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

// dispatch hands ev to a handler goroutine, bounded by the semaphore. It returns
// false when the watcher is shutting down.
func (w *Watcher) dispatch(ctx context.Context, ev settlement.BetResolved, batch *sync.WaitGroup) bool {
	if ctx.Err() != nil || w.isStopped() {
		return false
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	w.handlers.Add(1)
	if batch != nil {
		batch.Add(1)
	}
	hctx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			w.sem.Release(1)
			if batch != nil {
				batch.Done()
			}
			w.handlers.Done()
		}()
		if w.handle(hctx, ev) && batch == nil {
			w.advance(hctx, ev.BlockNumber, ev.LogIndex)
		}
	}()
	return true
}

// handle runs the existence check for ev and routes it to the sink. Concurrent
// deliveries of one request id share a single check.
func (w *Watcher) handle(ctx context.Context, ev settlement.BetResolved) bool {
	log := w.log.With(zap.String("request_id", settlement.IDString(ev.RequestID)), zap.Uint64("block", ev.BlockNumber))
	if ev.Removed {
		log.Debug("skipping removed log")
		return false
	}
	if ev.RequestID == nil || ev.RequestID.Sign() <= 0 {
		log.Warn("skipping event without request id")
		return false
	}
	if !w.pipeline.Eligible(ev.IsWinner) {
		return true
	}

	_, _, _ = w.group.Do(ev.RequestID.String(), func() (any, error) {
		rec, found, err := w.records.Lookup(ctx, ev.RequestID)
		switch {
		case err != nil:
			log.Warn("existence check failed", zap.Error(err))
			w.sink.OnError(ctx, ev, err)
		case !found:
			w.sink.OnResolved(ctx, ev)
		case rec.Status == settlement.StatusPending:
			w.sink.OnPending(ctx, rec)
		default:
			log.Debug("record already terminal", zap.Stringer("status", rec.Status))
		}
		return nil, nil
	})
	return true
}

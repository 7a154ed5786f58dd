// Package retry holds work that could not finish yet: transient failures waiting on
// backoff and executions waiting for their timing gate.
package retry

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Handler runs one attempt of a task. A nil error finishes the task, a *DeferError
// reschedules it, a retryable error re-enqueues it with backoff, and any other
// error drops it.
type Handler func(ctx context.Context, t Task) error

// Alerter is told when a task exhausts its attempts.
type Alerter interface {
	Alert(ctx context.Context, t Task, err error)
}

// Policy configures backoff and dispatch.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Interval is how often Run looks for due tasks.
	Interval time.Duration
	// Concurrency bounds the number of tasks running at once.
	Concurrency int
}

// DefaultPolicy mirrors the production defaults: 2s doubling, three failures.
var DefaultPolicy = Policy{
	BaseDelay:   2 * time.Second,
	MaxDelay:    5 * time.Minute,
	MaxAttempts: 3,
	Interval:    time.Second,
	Concurrency: 16,
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPolicy.Interval
	}
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultPolicy.Concurrency
	}
	return p
}

// Backoff returns the delay after the given number of failed attempts:
// BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Scheduler is an in-memory, time-ordered retry queue. It is not durable: after a
// restart the watcher's backfill rediscovers outstanding work.
type Scheduler struct {
	policy  Policy
	handler Handler
	clock   clock.Clock
	log     *zap.Logger
	alerter Alerter
	sem     *semaphore.Weighted

	mu    sync.Mutex
	queue taskQueue
	byKey map[string]*item
	seq   uint64
	// running holds the keys of dispatched tasks. Work arriving for a running key
	// is parked there and queued once the dispatch returns.
	running map[string]*Task

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option  { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithAlerter(a Alerter) Option    { return func(s *Scheduler) { s.alerter = a } }

// New creates a scheduler that runs tasks with handler.
func New(policy Policy, handler Handler, opts ...Option) *Scheduler {
	policy = policy.withDefaults()
	s := &Scheduler{
		policy:  policy,
		handler: handler,
		clock:   clock.New(),
		log:     zap.NewNop(),
		byKey:   make(map[string]*item),
		running: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(policy.Concurrency))
	return s
}

// Policy returns the effective policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Schedule queues t to run as soon as possible.
func (s *Scheduler) Schedule(t Task) {
	t.NextAt = s.clock.Now()
	s.upsert(t)
}

// Defer queues t to run at the given time without counting a failure.
func (s *Scheduler) Defer(t Task, at time.Time) {
	t.NextAt = at
	s.upsert(t)
	s.log.Debug("task deferred",
		zap.String("task", t.Key()), zap.Time("next_at", at), zap.Int("attempt", t.Attempts))
}

// Enqueue records a failed attempt and re-queues t with backoff. It returns false
// when t has exhausted its attempts and was dropped.
func (s *Scheduler) Enqueue(ctx context.Context, t Task, cause error) bool {
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.Stringer("kind", t.Kind),
		zap.Stringer("pipeline", t.Pipeline),
		zap.String("request_id", settlement.IDString(t.RequestID)),
		zap.Int("attempt", t.Attempts),
		zap.Int("max_attempts", s.policy.MaxAttempts),
		zap.Error(cause),
	}
	if t.Attempts >= s.policy.MaxAttempts {
		s.log.Error("task exhausted retries, manual action required", fields...)
		if s.alerter != nil {
			s.alerter.Alert(ctx, t, cause)
		}
		return false
	}
	t.NextAt = s.clock.Now().Add(s.policy.Backoff(t.Attempts))
	s.upsert(t)
	s.log.Warn("task failed, retrying", append(fields, zap.Time("next_at", t.NextAt))...)
	return true
}

// upsert adds t or merges it into a queued task with the same key: the earlier
// run time and the higher attempt count win. A task whose key is running is
// parked until that dispatch returns.
func (s *Scheduler) upsert(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(t)
}

func (s *Scheduler) upsertLocked(t Task) {
	key := t.Key()
	if parked, ok := s.running[key]; ok {
		if parked == nil {
			s.running[key] = &t
		} else {
			merge(parked, t)
		}
		return
	}
	if it, ok := s.byKey[key]; ok {
		merge(&it.task, t)
		heap.Fix(&s.queue, it.index)
		return
	}
	if t.ID == "" {
		t.ID = NewTask(t.Kind, t.Pipeline, t.RequestID).ID
	}
	s.seq++
	it := &item{task: t, seq: s.seq}
	heap.Push(&s.queue, it)
	s.byKey[key] = it
}

func merge(dst *Task, t Task) {
	if t.NextAt.Before(dst.NextAt) {
		dst.NextAt = t.NextAt
	}
	if t.Attempts > dst.Attempts {
		dst.Attempts = t.Attempts
		dst.LastError = t.LastError
	}
	if dst.Event == nil {
		dst.Event = t.Event
	}
}

// release marks key as no longer running and queues whatever was parked for it.
func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parked := s.running[key]
	delete(s.running, key)
	if parked != nil {
		s.upsertLocked(*parked)
	}
}

// Running reports whether a task with key is being dispatched.
func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[key]
	return ok
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot returns the queued tasks in run order.
func (s *Scheduler) Snapshot() []Task {
	s.mu.Lock()
	cp := make(taskQueue, len(s.queue))
	for i, it := range s.queue {
		c := *it
		cp[i] = &c
	}
	s.mu.Unlock()

	out := make([]Task, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item).task)
	}
	return out
}

// Lookup returns the queued task with key, if any.
func (s *Scheduler) Lookup(key string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byKey[key]
	if !ok {
		return Task{}, false
	}
	return it.task, true
}

func (s *Scheduler) popDue(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for len(s.queue) > 0 && !s.queue[0].task.NextAt.After(now) {
		it := heap.Pop(&s.queue).(*item)
		key := it.task.Key()
		delete(s.byKey, key)
		s.running[key] = nil
		due = append(due, it.task)
	}
	return due
}

// RunDue dispatches every task that is due now and waits for them to finish.
// It returns the number of tasks dispatched.
func (s *Scheduler) RunDue(ctx context.Context) int {
	var batch sync.WaitGroup
	n := s.dispatchDue(ctx, &batch)
	batch.Wait()
	return n
}

func (s *Scheduler) dispatchDue(ctx context.Context, batch *sync.WaitGroup) int {
	due := s.popDue(s.clock.Now())
	for i, t := range due {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutting down: put back what was not started.
			for _, rest := range due[i:] {
				s.release(rest.Key())
				s.upsert(rest)
			}
			return i
		}
		s.wg.Add(1)
		if batch != nil {
			batch.Add(1)
		}
		go func(t Task) {
			defer func() {
				s.sem.Release(1)
				s.wg.Done()
				if batch != nil {
					batch.Done()
				}
			}()
			s.dispatch(context.WithoutCancel(ctx), t)
			s.release(t.Key())
		}(t)
	}
	return len(due)
}

func (s *Scheduler) dispatch(ctx context.Context, t Task) {
	err := s.handler(ctx, t)
	var deferred *DeferError
	switch {
	case err == nil:
		s.log.Debug("task done", zap.String("task", t.Key()), zap.Int("attempt", t.Attempts))
	case errors.As(err, &deferred):
		s.Defer(t, deferred.Until)
	case settlement.Retryable(err):
		s.Enqueue(ctx, t, err)
	default:
		s.log.Error("task failed permanently",
			zap.String("task_id", t.ID),
			zap.String("task", t.Key()),
			zap.Int("attempt", t.Attempts),
			zap.Stringer("error_kind", settlement.KindOf(err)),
			zap.Error(err))
	}
}

// Run dispatches due tasks every Interval until ctx is cancelled, then waits for
// in-flight tasks. Tasks run on a context that outlives ctx so a transaction that
// is already in flight is seen through to finality.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.dispatchDue(ctx, nil)
		}
	}
}

// Wait blocks until every dispatched task has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

package retry

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Task
}

func (a *recordingAlerter) Alert(_ context.Context, t Task, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, t)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func transient() error {
	return settlement.Transient(settlement.PipelinePayout, nil, errors.New("rpc timeout"))
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(64))
}

func TestTransientFailuresBackOffThenAlert(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	core, logs := observer.New(zap.WarnLevel)
	alerter := &recordingAlerter{}

	var calls atomic.Int32
	s := New(Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxAttempts: 3},
		func(context.Context, Task) error {
			calls.Add(1)
			return transient()
		},
		WithClock(clk), WithLogger(zap.New(core)), WithAlerter(alerter))

	s.Schedule(NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(1)))
	assert.Equal(t, 1, s.RunDue(ctx))
	require.Equal(t, 1, s.Len())
	assert.Equal(t, clk.Now().Add(2*time.Second), s.Snapshot()[0].NextAt)

	assert.Equal(t, 0, s.RunDue(ctx), "not due before backoff elapses")
	clk.Add(2 * time.Second)
	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, clk.Now().Add(4*time.Second), s.Snapshot()[0].NextAt)

	clk.Add(4 * time.Second)
	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, 0, s.Len(), "dropped after max attempts")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, alerter.count())

	exhausted := logs.FilterMessage("task exhausted retries, manual action required").All()
	require.Len(t, exhausted, 1)
	assert.Equal(t, "1", exhausted[0].ContextMap()["request_id"])
	assert.Equal(t, int64(3), exhausted[0].ContextMap()["attempt"])
}

func TestDeferDoesNotCountAsFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	gate := clk.Now().Add(time.Minute)

	var seen []int
	s := New(Policy{MaxAttempts: 1}, func(_ context.Context, task Task) error {
		seen = append(seen, task.Attempts)
		if clk.Now().Before(gate) {
			return Defer(gate, "timing gate")
		}
		return nil
	}, WithClock(clk))

	s.Schedule(NewTask(KindExecute, settlement.PipelineMining, big.NewInt(2)))
	s.RunDue(ctx)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, gate, s.Snapshot()[0].NextAt)

	clk.Add(30 * time.Second)
	assert.Equal(t, 0, s.RunDue(ctx))

	clk.Add(30 * time.Second)
	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []int{0, 0}, seen)
}

func TestPermanentErrorsAreDroppedWithoutAlert(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(Policy{}, func(context.Context, Task) error {
		return settlement.NewError(settlement.KindDataIntegrity, settlement.PipelinePayout, big.NewInt(3), "mismatch", nil)
	}, WithClock(clock.NewMock()), WithAlerter(alerter))

	s.Schedule(NewTask(KindSubmit, settlement.PipelinePayout, big.NewInt(3)))
	s.RunDue(context.Background())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, alerter.count())
}

func TestUpsertDeduplicatesByKey(t *testing.T) {
	clk := clock.NewMock()
	s := New(Policy{}, func(context.Context, Task) error { return nil }, WithClock(clk))

	task := NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(7))
	s.Defer(task, clk.Now().Add(time.Hour))
	s.Defer(NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(7)), clk.Now().Add(time.Minute))
	s.Schedule(NewTask(KindExecute, settlement.PipelineMining, big.NewInt(7)))

	require.Equal(t, 2, s.Len())
	queued, ok := s.Lookup(task.Key())
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Minute), queued.NextAt, "earlier run time wins")
	assert.Equal(t, task.ID, queued.ID)
}

func TestConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	s := New(Policy{Concurrency: 2}, func(context.Context, Task) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, WithClock(clock.NewMock()))

	for i := int64(1); i <= 6; i++ {
		s.Schedule(NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(i)))
	}
	assert.Equal(t, 6, s.RunDue(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunningKeyIsParkedUntilDispatchReturns(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})

	var calls, inFlight, peak atomic.Int32
	s := New(Policy{Concurrency: 4}, func(context.Context, Task) error {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-unblock
		inFlight.Add(-1)
		return nil
	}, WithClock(clk))

	task := NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(42))
	s.Schedule(task)
	first := make(chan int, 1)
	go func() { first <- s.RunDue(ctx) }()
	<-started
	require.True(t, s.Running(task.Key()))

	s.Schedule(NewTask(KindExecute, settlement.PipelinePayout, big.NewInt(42)))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.RunDue(ctx))

	close(unblock)
	assert.Equal(t, 1, <-first)
	assert.False(t, s.Running(task.Key()))
	require.Equal(t, 1, s.Len(), "parked work is queued once the dispatch returns")

	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, s.Len())
}

func TestRetryOfRunningTaskMergesWithParkedWork(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	s := New(Policy{BaseDelay: 2 * time.Second, MaxAttempts: 5}, func(context.Context, Task) error {
		started <- struct{}{}
		<-unblock
		return transient()
	}, WithClock(clk))

	task := NewTask(KindSubmit, settlement.PipelineMining, big.NewInt(9))
	s.Schedule(task)
	first := make(chan int, 1)
	go func() { first <- s.RunDue(ctx) }()
	<-started

	s.Schedule(NewTask(KindSubmit, settlement.PipelineMining, big.NewInt(9)))
	close(unblock)
	require.Equal(t, 1, <-first)

	queued, ok := s.Lookup(task.Key())
	require.True(t, ok)
	assert.Equal(t, 1, queued.Attempts, "failed attempt is kept")
	assert.Equal(t, clk.Now(), queued.NextAt, "earlier run time wins")
	assert.Equal(t, 1, s.Len())
}

func TestRunTicksOnClock(t *testing.T) {
	clk := clock.NewMock()
	done := make(chan struct{}, 1)
	s := New(Policy{Interval: time.Second}, func(context.Context, Task) error {
		done <- struct{}{}
		return nil
	}, WithClock(clk))
	s.Schedule(NewTask(KindSubmit, settlement.PipelinePayout, big.NewInt(1)))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSubmitTaskCarriesEvent(t *testing.T) {
	ev := settlement.BetResolved{RequestID: big.NewInt(5), IsWinner: true}
	task := NewSubmitTask(settlement.PipelinePayout, ev)
	require.NotNil(t, task.Event)
	assert.Equal(t, "submit:payout:5", task.Key())
	assert.NotEmpty(t, task.ID)
}

package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// ReadRetry retries read-only calls in place. Submissions never go through it.
type ReadRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultReadRetry is used when none is configured.
var DefaultReadRetry = ReadRetry{Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}

func (r ReadRetry) delay(attempt int) time.Duration {
	d := r.BaseDelay << attempt
	if d <= 0 || (r.MaxDelay > 0 && d > r.MaxDelay) {
		d = r.MaxDelay
	}
	return d
}

// do runs fn until it succeeds, returns a non-transient error, or attempts run out.
// Each attempt gets its own timeout.
func (r ReadRetry) do(ctx context.Context, timeout time.Duration, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !settlement.Retryable(err) || i == attempts-1 {
			break
		}
		wait := r.delay(i)
		log.Debug("ledger read failed, retrying",
			zap.String("op", op), zap.Int("attempt", i+1), zap.Duration("wait", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

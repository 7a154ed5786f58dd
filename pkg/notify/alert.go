package notify

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/retry"
)

// Alerter turns exhausted retry tasks into alert events.
type Alerter struct {
	notifier Notifier
	clock    clock.Clock
	log      *zap.Logger
}

var _ retry.Alerter = (*Alerter)(nil)

func NewAlerter(n Notifier, clk clock.Clock, log *zap.Logger) *Alerter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerter{notifier: n, clock: clk, log: log}
}

func (a *Alerter) Alert(ctx context.Context, t retry.Task, cause error) {
	ev := Event{
		Type:      TypeAlert,
		Pipeline:  t.Pipeline,
		RequestID: t.RequestID,
		Task:      t.Key(),
		Attempts:  t.Attempts,
		At:        a.clock.Now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := a.notifier.Notify(ctx, ev); err != nil {
		a.log.Warn("failed to publish alert", zap.String("task", t.Key()), zap.Error(err))
	}
}

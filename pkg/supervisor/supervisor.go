package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedule holds the cron specs of the periodic jobs.
type Schedule struct {
	Backfill string
	Report   string
}

var DefaultSchedule = Schedule{
	Backfill: "@every 5m",
	Report:   "@every 1m",
}

// Supervisor runs every enabled pipeline and the periodic jobs around them.
type Supervisor struct {
	pipelines []*ManagedPipeline
	schedule  Schedule
	log       *zap.Logger
}

func New(pipelines []*ManagedPipeline, schedule Schedule, log *zap.Logger) *Supervisor {
	if schedule.Backfill == "" {
		schedule.Backfill = DefaultSchedule.Backfill
	}
	if schedule.Report == "" {
		schedule.Report = DefaultSchedule.Report
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{pipelines: pipelines, schedule: schedule, log: log}
}

// Run starts every pipeline and the cron jobs, then blocks until ctx is cancelled.
// It returns once the jobs and all in-flight pipeline work have finished.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.pipelines) == 0 {
		return errors.New("no pipelines enabled")
	}

	logger := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.schedule.Backfill, func() { s.BackfillAll(ctx) }); err != nil {
		return fmt.Errorf("invalid backfill schedule %q: %w", s.schedule.Backfill, err)
	}
	if _, err := c.AddFunc(s.schedule.Report, func() { s.Report(ctx) }); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", s.schedule.Report, err)
	}

	s.log.Info("supervisor starting", zap.Int("pipelines", len(s.pipelines)),
		zap.String("backfill", s.schedule.Backfill), zap.String("report", s.schedule.Report))

	var wg sync.WaitGroup
	for _, p := range s.pipelines {
		wg.Add(1)
		go func(p *ManagedPipeline) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("pipeline exited", zap.Stringer("pipeline", p.Pipeline()), zap.Error(err))
			}
		}(p)
	}
	c.Start()

	<-ctx.Done()
	s.log.Info("context cancelled, shutting down pipelines")
	<-c.Stop().Done()
	wg.Wait()
	s.log.Info("supervisor shutdown complete")
	return nil
}

// BackfillAll runs one backfill per pipeline.
func (s *Supervisor) BackfillAll(ctx context.Context) {
	for _, p := range s.pipelines {
		if ctx.Err() != nil {
			return
		}
		if err := p.Backfill(ctx); err != nil {
			s.log.Warn("periodic backfill failed", zap.Stringer("pipeline", p.Pipeline()), zap.Error(err))
		}
	}
}

// Report logs every pipeline's status and returns what it could read. The
// pipelines share one endpoint, so its health is logged once.
func (s *Supervisor) Report(ctx context.Context) []Status {
	var (
		out        []Status
		netChecked bool
	)
	for _, p := range s.pipelines {
		st, err := p.Status(ctx)
		if err != nil {
			s.log.Warn("status unavailable", zap.Stringer("pipeline", p.Pipeline()), zap.Error(err))
			continue
		}
		switch st.Health {
		case HealthCritical:
			s.log.Error("pool balance critical", st.fields()...)
		case HealthWarning:
			s.log.Warn("pool balance low", st.fields()...)
		default:
			s.log.Info("pipeline status", st.fields()...)
		}
		if st.Network != nil && !netChecked {
			netChecked = true
			switch st.Network.Gas {
			case GasCongested:
				s.log.Warn("network congested, gas price above configured", st.Network.fields()...)
			case GasIdle:
				s.log.Info("network idle, configured gas price could be lowered", st.Network.fields()...)
			}
			if st.Network.SlowRPC {
				s.log.Warn("rpc latency high", st.Network.fields()...)
			}
		}
		out = append(out, st)
	}
	return out
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/model"
)

// DefaultSchedule runs the scheduled trigger nightly at 02:00. The format
// has a leading seconds field.
const DefaultSchedule = "0 0 2 * * *"

// Scheduler fires the scheduled trigger for every tenant on a cron
// schedule. A tick that arrives while the previous one is still running is
// skipped.
type Scheduler struct {
	spec    string
	job     func(ctx context.Context)
	running atomic.Bool
}

// NewScheduler validates spec and creates a Scheduler running job.
func NewScheduler(spec string, job func(ctx context.Context)) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse schedule %q", spec)
	}
	return &Scheduler{spec: spec, job: job}, nil
}

// NewRunAllScheduler schedules o.RunAll with the scheduled trigger.
func NewRunAllScheduler(spec string, o *Orchestrator) (*Scheduler, error) {
	return NewScheduler(spec, func(ctx context.Context) {
		sums, err := o.RunAll(ctx, model.TriggerScheduled)
		if err != nil {
			zap.L().Error("pipeline: scheduled run finished with errors", zap.Int("tenants", len(sums)), zap.Error(err))
			return
		}
		zap.L().Info("pipeline: scheduled run finished", zap.Int("tenants", len(sums)))
	})
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return eris.Wrapf(err, "pipeline: schedule %q", s.spec)
	}
	zap.L().Info("pipeline: scheduler started", zap.String("schedule", s.spec))
	c.Start()
	<-ctx.Done()
	c.Stop()
	zap.L().Info("pipeline: scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		zap.L().Warn("pipeline: previous scheduled run still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)
	if ctx.Err() != nil {
		return
	}
	s.job(ctx)
}

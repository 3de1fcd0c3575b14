package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Triggerer starts a sync on request.
type Triggerer interface {
	TriggerSync()
}

// Scheduler triggers a sync on a cron schedule. Ticks that land while a
// sync is running are dropped by the coordinator.
type Scheduler struct {
	spec   string
	target Triggerer
	cron   *cron.Cron
}

// NewScheduler validates spec, a standard five-field cron expression or a
// descriptor such as "@every 5m".
func NewScheduler(spec string, target Triggerer) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { triggerScheduled(spec, target) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, target: target, cron: c}, nil
}

func triggerScheduled(spec string, target Triggerer) {
	slog.Debug("scheduled sync",
		"component", "worker",
		"worker", "scheduler",
		"action", "trigger",
		"schedule", spec,
	)
	target.TriggerSync()
}

// Run starts the schedule and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "scheduler",
		"action", "worker_started",
		"schedule", s.spec,
	)

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	slog.Info("worker stopped",
		"component", "worker",
		"worker", "scheduler",
		"action", "worker_stopped",
		"reason", "context_cancelled",
	)
}

package engine

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers periodic background drains on a cron interval.
// A scheduled trigger that lands while a drain is in flight is skipped;
// the run-token in the coordinator already collapses concurrent triggers,
// so skipping here just avoids pointless joins.
type Scheduler struct {
	spec   string
	run    func()
	logger *zap.Logger
	cron   *cron.Cron
}

// NewScheduler creates a scheduler that calls run on every tick of spec
// (a cron expression, e.g. "@every 5m").
func NewScheduler(spec string, run func(), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		spec:   spec,
		run:    run,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the schedule and begins ticking.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("failed to schedule sync interval %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("background sync scheduled", zap.String("interval", s.spec))
	return nil
}

// Stop halts the schedule; a tick already running is not interrupted.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

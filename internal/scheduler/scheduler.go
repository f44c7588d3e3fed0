package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Sweeper is the part of weather.Service the scheduler drives.
type Sweeper interface {
	Sweep() int
}

// Scheduler periodically evicts observations from sources that stopped
// pushing updates.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sweeper   Sweeper
	interval  time.Duration
	logger    *zap.SugaredLogger
}

// New creates a new Scheduler.
func New(sweeper Sweeper, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		sweeper:   sweeper,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the eviction job and starts the underlying scheduler.
// The first sweep runs one interval after Start.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}

	_, err := s.scheduler.Every(s.interval).WaitForSchedule().Do(func() {
		s.RunOnce()
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Infow("sweeper: started", "interval", s.interval)
	return nil
}

// RunOnce performs a single eviction pass and returns how many entries were
// removed.
func (s *Scheduler) RunOnce() int {
	removed := s.sweeper.Sweep()
	if removed > 0 {
		s.logger.Infow("sweeper: evicted stale observations", "removed", removed)
	} else {
		s.logger.Debugw("sweeper: nothing to evict")
	}
	return removed
}

// Stop stops the scheduler and cancels any future sweeps.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

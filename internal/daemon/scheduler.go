package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler wraps gocron scheduler for managing periodic tasks.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(logger *slog.Logger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleHeartbeat runs beat every interval. A slow beat is not run twice
// concurrently. Returns the job ID for later management.
func (s *Scheduler) ScheduleHeartbeat(interval time.Duration, beat func()) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("heartbeat interval must be positive, got %s", interval)
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(beat),
		gocron.WithName("builder-heartbeat"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create heartbeat job: %w", err)
	}
	return job.ID().String(), nil
}

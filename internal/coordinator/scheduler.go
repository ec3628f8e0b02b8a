package coordinator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler is the shared periodic-job scheduler. All control loops
// (health scan, trim pass, staleness sweep, staging sweep, summary)
// register here rather than running their own tickers.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func newScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Every registers a named job on a fixed interval. With immediate set,
// the first run fires at startup instead of after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, immediate bool, task func()) error {
	opts := []gocron.JobOption{gocron.WithName(name)}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", name, err)
	}
	s.logger.Info("job scheduled", "name", name, "interval", interval)
	return nil
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

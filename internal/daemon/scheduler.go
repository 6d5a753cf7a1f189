package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/trigger"
)

// Scheduler wraps gocron to emit periodic schedule events for every
// configured repository, so docs stay fresh even without webhooks.
type Scheduler struct {
	scheduler gocron.Scheduler
	bus       *events.Bus
	repos     func() []config.Repository
}

// NewScheduler creates a scheduler publishing onto the given bus. The
// repos callback is evaluated at every tick so config reloads take effect.
func NewScheduler(bus *events.Bus, repos func() []config.Repository) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		bus:       bus,
		repos:     repos,
	}, nil
}

// SchedulePeriodicSync registers the periodic re-sync job.
func (s *Scheduler) SchedulePeriodicSync(interval time.Duration) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.emitScheduleEvents),
		gocron.WithName("periodic-sync"),
	)
	if err != nil {
		return fmt.Errorf("create periodic sync job: %w", err)
	}
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	slog.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// emitScheduleEvents publishes one schedule event per repository.
func (s *Scheduler) emitScheduleEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repos := s.repos()
	slog.Info("Executing scheduled sync", slog.Int("repositories", len(repos)))

	for _, repo := range repos {
		ev := trigger.Event{
			Type:       trigger.EventSchedule,
			Repository: repo.Name,
			Ref:        "refs/heads/" + repo.Branch,
			Branch:     repo.Branch,
			ReceivedAt: time.Now(),
		}
		err := s.bus.Publish(ctx, events.EventReceived{
			Event:      ev,
			Source:     "schedule",
			ReceivedAt: time.Now(),
		})
		if err != nil {
			slog.Warn("Failed to publish schedule event",
				logfields.Repository(repo.Name), logfields.Error(err))
		}
	}
}

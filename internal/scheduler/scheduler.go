package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/repository"
)

// DefaultTick is how often due schedules are checked.
const DefaultTick = time.Minute

// Enqueuer is the slice of the job enqueuer the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.ProcessingJob) (models.ProcessingJob, error)
}

// Scheduler fires due job schedules. Each fire enqueues one processing job
// and advances next_run_at by the schedule's cadence; a fire that is rejected
// by rate limits still advances, so a saturated owner skips a cycle instead
// of hammering the limiter every tick.
type Scheduler struct {
	Schedules repository.ScheduleRepository
	Enqueuer  Enqueuer
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Clock     clockwork.Clock
	Tick      time.Duration
}

func New(schedules repository.ScheduleRepository, enq Enqueuer, metrics *observability.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Schedules: schedules,
		Enqueuer:  enq,
		Metrics:   metrics,
		Logger:    logger.With().Str("component", "scheduler").Logger(),
		Clock:     clockwork.NewRealClock(),
		Tick:      DefaultTick,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Logger.Info().Dur("tick", s.Tick).Msg("scheduler started")
	ticker := s.Clock.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.FireDue(ctx); err != nil {
				s.Logger.Error().Err(err).Msg("failed to fire due schedules")
			}
		}
	}
}

// FireDue enqueues a job for every active schedule whose next run has
// arrived. One bad schedule does not block the rest.
func (s *Scheduler) FireDue(ctx context.Context) error {
	now := s.Clock.Now().UTC()
	due, err := s.Schedules.ListDue(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched models.JobSchedule, now time.Time) {
	// Advance first. If the enqueue fails the cycle is skipped rather than
	// retried every tick; the outcome counters record what happened.
	next := sched.NextRun(now)
	if err := s.Schedules.MarkFired(ctx, sched.ID, now, next); err != nil {
		s.Logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to advance schedule")
		return
	}

	// Scheduled runs always want the freshest acquisitions around "now".
	selection, err := models.EncodeDateSelection(models.TargetDateSelection{Target: now, ClosestImages: 2})
	if err != nil {
		s.Logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to encode date selection")
		return
	}

	_, err = s.Enqueuer.Enqueue(ctx, models.ProcessingJob{
		InfrastructureID: sched.InfrastructureID,
		OwnerID:          sched.OwnerID,
		ScheduleID:       &sched.ID,
		DateSelection:    selection,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("schedule_id", sched.ID).Msg("scheduled enqueue rejected")
		if rerr := s.Schedules.RecordOutcome(ctx, sched.ID, false); rerr != nil {
			s.Logger.Error().Err(rerr).Str("schedule_id", sched.ID).Msg("failed to record schedule outcome")
		}
		return
	}

	if s.Metrics != nil {
		s.Metrics.ScheduleFires.Inc()
	}
	s.Logger.Info().
		Str("schedule_id", sched.ID).
		Str("infrastructure_id", sched.InfrastructureID).
		Time("next_run_at", next).
		Msg("schedule fired")
}

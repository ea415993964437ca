package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tc "go.temporal.io/sdk/client"

	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/temporal"
)

// RateLimits caps how much processing a single owner can request. A zero
// value disables the corresponding limit.
type RateLimits struct {
	MaxActiveJobs int
	MaxHourlyJobs int
	MaxDailyJobs  int
}

// RateLimitError reports which limit rejected an enqueue. Handlers map it to
// 429.
type RateLimitError struct {
	Limit string // active, hourly or daily
	Max   int
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded: " + e.Limit
}

// PollBudget is the poll cadence handed to each workflow at start.
type PollBudget struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	JobTimeout      time.Duration
}

// Enqueuer creates processing jobs and starts their workflows. All job
// lifecycle entry points (manual submit, schedule fire, retry, cancel) go
// through it so rate limits and workflow IDs stay consistent.
type Enqueuer struct {
	JobRepo         repository.JobRepository
	MeasurementRepo repository.MeasurementRepository
	Temporal        tc.Client
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
	Limits          RateLimits
	Budget          PollBudget
}

// Enqueue creates a pending job and starts its workflow. The workflow ID is
// derived from the job ID, so a crash between create and start is recoverable
// by retrying the start without duplicating work.
func (e *Enqueuer) Enqueue(ctx context.Context, job models.ProcessingJob) (models.ProcessingJob, error) {
	if err := e.checkLimits(ctx, job.OwnerID); err != nil {
		return models.ProcessingJob{}, err
	}

	job.Status = models.JobStatusPending
	created, err := e.JobRepo.Create(ctx, job)
	if err != nil {
		return models.ProcessingJob{}, errors.Wrap(err, "create processing job")
	}

	if err := e.startWorkflow(ctx, created); err != nil {
		return models.ProcessingJob{}, err
	}

	if e.Metrics != nil {
		e.Metrics.JobsEnqueued.Inc()
	}
	e.Logger.Info().
		Str("job_id", created.ID).
		Str("infrastructure_id", created.InfrastructureID).
		Msg("processing job enqueued")
	return created, nil
}

// Retry enqueues a fresh job with the same inputs as a failed or cancelled
// one. The original job keeps its terminal state and history.
func (e *Enqueuer) Retry(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	prev, err := e.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return models.ProcessingJob{}, errors.Wrapf(err, "fetch job %s", jobID)
	}
	if !prev.Status.IsTerminal() || prev.Status == models.JobStatusSucceeded {
		return models.ProcessingJob{}, errors.Errorf("job %s is %s, only failed or cancelled jobs can be retried", jobID, prev.Status)
	}

	return e.Enqueue(ctx, models.ProcessingJob{
		InfrastructureID: prev.InfrastructureID,
		OwnerID:          prev.OwnerID,
		ScheduleID:       prev.ScheduleID,
		DateSelection:    prev.DateSelection,
	})
}

// Cancel marks a pending or running job cancelled, stops its workflow, and
// removes any measurements it already wrote so partial harvests never leak
// into velocity models.
func (e *Enqueuer) Cancel(ctx context.Context, jobID string) error {
	affected, err := e.JobRepo.TransitionStatus(ctx, jobID, models.JobStatusCancelled, nil)
	if err != nil {
		return errors.Wrapf(err, "cancel job %s", jobID)
	}
	if affected == 0 {
		job, err := e.JobRepo.GetByID(ctx, jobID)
		if err != nil {
			return errors.Wrapf(err, "fetch job %s", jobID)
		}
		return errors.Errorf("job %s is already %s", jobID, job.Status)
	}

	// Best effort: activities also check the status on every step, so a
	// missed cancel here still stops the workflow at its next activity.
	if err := e.Temporal.CancelWorkflow(ctx, temporal.ProcessWorkflowIDPrefix+jobID, ""); err != nil {
		e.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to cancel workflow")
	}

	removed, err := e.MeasurementRepo.DeleteByJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "remove measurements of cancelled job %s", jobID)
	}

	if e.Metrics != nil {
		e.Metrics.JobsCancelled.Inc()
	}
	e.Logger.Info().
		Str("job_id", jobID).
		Int64("measurements_removed", removed).
		Msg("processing job cancelled")
	return nil
}

func (e *Enqueuer) startWorkflow(ctx context.Context, job models.ProcessingJob) error {
	params := temporal.ProcessParams{
		JobID:            job.ID,
		InfrastructureID: job.InfrastructureID,
		OwnerID:          job.OwnerID,
		ScheduleID:       job.ScheduleID,
		PollInterval:     e.Budget.PollInterval,
		MaxPollAttempts:  e.Budget.MaxPollAttempts,
		JobTimeout:       e.Budget.JobTimeout,
	}

	opts := tc.StartWorkflowOptions{
		ID:        temporal.ProcessWorkflowIDPrefix + job.ID,
		TaskQueue: temporal.TaskQueueName,
	}
	// The workflow is registered by name on the worker; starting by name
	// keeps the enqueuer free of the workflows package.
	if _, err := e.Temporal.ExecuteWorkflow(ctx, opts, "ProcessingWorkflow", params); err != nil {
		reason := "failed to start processing workflow"
		if _, terr := e.JobRepo.TransitionStatus(ctx, job.ID, models.JobStatusFailed, &reason); terr != nil {
			e.Logger.Error().Err(terr).Str("job_id", job.ID).Msg("failed to mark unstartable job failed")
		}
		return errors.Wrapf(err, "start workflow for job %s", job.ID)
	}
	return nil
}

func (e *Enqueuer) checkLimits(ctx context.Context, ownerID string) error {
	if e.Limits.MaxActiveJobs > 0 {
		active, err := e.JobRepo.CountActiveByOwner(ctx, ownerID)
		if err != nil {
			return errors.Wrap(err, "count active jobs")
		}
		if active >= e.Limits.MaxActiveJobs {
			return e.reject("active", e.Limits.MaxActiveJobs)
		}
	}

	now := time.Now().UTC()
	if e.Limits.MaxHourlyJobs > 0 {
		n, err := e.JobRepo.CountCreatedSince(ctx, ownerID, now.Add(-time.Hour))
		if err != nil {
			return errors.Wrap(err, "count hourly jobs")
		}
		if n >= e.Limits.MaxHourlyJobs {
			return e.reject("hourly", e.Limits.MaxHourlyJobs)
		}
	}
	if e.Limits.MaxDailyJobs > 0 {
		n, err := e.JobRepo.CountCreatedSince(ctx, ownerID, now.Add(-24*time.Hour))
		if err != nil {
			return errors.Wrap(err, "count daily jobs")
		}
		if n >= e.Limits.MaxDailyJobs {
			return e.reject("daily", e.Limits.MaxDailyJobs)
		}
	}
	return nil
}

func (e *Enqueuer) reject(limit string, max int) error {
	if e.Metrics != nil {
		e.Metrics.RateLimitRejects.WithLabelValues(limit).Inc()
	}
	return &RateLimitError{Limit: limit, Max: max}
}

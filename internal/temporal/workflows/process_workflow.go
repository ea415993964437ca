package workflows

import (
	"errors"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sentryal/insar-api/internal/temporal"
	"github.com/sentryal/insar-api/internal/temporal/activities"
)

// ProcessingWorkflow drives one job end to end: submit to the external
// service, poll until terminal, harvest the raster, recompute velocities,
// finalize. The poll wait is a workflow sleep, so a polling job does not
// hold an activity slot; the worker's activity concurrency limit caps
// simultaneous external load.
func ProcessingWorkflow(ctx workflow.Context, params temporal.ProcessParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
			NonRetryableErrorTypes: []string{
				temporal.ErrTypeJobCancelled,
				temporal.ErrTypePermanent,
			},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting processing workflow", "JobID", params.JobID, "InfrastructureID", params.InfrastructureID)

	// The implementation lives on the worker; this is just a proxy.
	var a *activities.Activities

	var handle string
	if err := workflow.ExecuteActivity(ctx, a.SubmitJobActivity, params).Get(ctx, &handle); err != nil {
		if isJobCancelled(err) {
			logger.Info("Job cancelled before submission.", "JobID", params.JobID)
			return nil
		}
		return failJob(ctx, a, params, "submission to processing service failed: "+appErrMessage(err), err)
	}

	deadline := workflow.Now(ctx).Add(params.JobTimeout)
	var poll temporal.PollStateResult
	for attempt := 1; ; attempt++ {
		if err := workflow.ExecuteActivity(ctx, a.PollJobActivity, params, handle).Get(ctx, &poll); err != nil {
			if isJobCancelled(err) {
				logger.Info("Job cancelled during polling.", "JobID", params.JobID)
				return nil
			}
			return failJob(ctx, a, params, "polling processing service failed: "+appErrMessage(err), err)
		}
		if poll.Terminal {
			break
		}
		if attempt >= params.MaxPollAttempts || !workflow.Now(ctx).Before(deadline) {
			return failJob(ctx, a, params, "timed out waiting for processing service", nil)
		}
		if err := workflow.Sleep(ctx, params.PollInterval); err != nil {
			return err
		}
	}

	if !poll.Succeeded {
		reason := poll.Reason
		if reason == "" {
			reason = "processing service reported failure"
		}
		return failJob(ctx, a, params, reason, nil)
	}

	var harvest temporal.HarvestResult
	if err := workflow.ExecuteActivity(ctx, a.HarvestActivity, params, poll).Get(ctx, &harvest); err != nil {
		if isJobCancelled(err) {
			logger.Info("Job cancelled before harvest.", "JobID", params.JobID)
			return nil
		}
		return failJob(ctx, a, params, "harvesting result artifact failed: "+appErrMessage(err), err)
	}

	var recompute temporal.RecomputeResult
	if err := workflow.ExecuteActivity(ctx, a.RecomputeVelocitiesActivity, harvest.PointIDs).Get(ctx, &recompute); err != nil {
		return failJob(ctx, a, params, "velocity recomputation failed: "+appErrMessage(err), err)
	}

	if err := workflow.ExecuteActivity(ctx, a.CompleteJobActivity, params, harvest).Get(ctx, nil); err != nil {
		if isJobCancelled(err) {
			return nil
		}
		return err
	}

	logger.Info("Processing workflow completed.", "JobID", params.JobID, "ValidSamples", harvest.ValidSamples, "PointsUpdated", recompute.PointsUpdated)
	return nil
}

// failJob records the terminal failure. The original error is returned when
// present so the workflow itself is marked failed in Temporal.
func failJob(ctx workflow.Context, a *activities.Activities, params temporal.ProcessParams, reason string, cause error) error {
	logger := workflow.GetLogger(ctx)
	logger.Error("Processing job failed.", "JobID", params.JobID, "reason", reason)
	if err := workflow.ExecuteActivity(ctx, a.FailJobActivity, params, reason).Get(ctx, nil); err != nil {
		logger.Error("Failed to record job failure.", "JobID", params.JobID, "error", err)
	}
	if cause != nil {
		return cause
	}
	return sdktemporal.NewApplicationError(reason, temporal.ErrTypePermanent)
}

func isJobCancelled(err error) bool {
	var appErr *sdktemporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == temporal.ErrTypeJobCancelled
}

func appErrMessage(err error) string {
	var appErr *sdktemporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}

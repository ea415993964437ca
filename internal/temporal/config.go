package temporal

import (
	"time"

	"github.com/sentryal/insar-api/internal/insar"
	"github.com/sentryal/insar-api/internal/models"
)

// TaskQueueName is the Temporal task queue processing workflows run on.
const TaskQueueName = "INSAR_PROCESSING"

// ProcessWorkflowIDPrefix prefixes processing workflow IDs; the suffix is the
// job ID, which keeps one workflow per job.
const ProcessWorkflowIDPrefix = "insar-job-"

// DefaultActivityTimeout bounds a single activity attempt.
const DefaultActivityTimeout = 5 * time.Minute

// ErrTypeJobCancelled is the application error type activities raise when
// they observe a cancelled job. The workflow treats it as a clean stop, not
// a failure.
const ErrTypeJobCancelled = "job_cancelled"

// ErrTypePermanent marks data/contract failures that must not be retried.
const ErrTypePermanent = "permanent"

// ProcessParams is the input of one processing workflow. The poll budgets
// ride along in the params so the workflow stays deterministic across config
// changes on the worker.
type ProcessParams struct {
	JobID            string
	InfrastructureID string
	OwnerID          string
	ScheduleID       *string

	PollInterval    time.Duration
	MaxPollAttempts int
	JobTimeout      time.Duration
}

// PollStateResult is one observation of the external run, shaped for the
// workflow's poll loop.
type PollStateResult struct {
	Terminal  bool
	Succeeded bool
	Reason    string
	Artifacts []insar.ArtifactRef
	Stats     *models.ResultStats
}

// HarvestResult summarizes one raster harvest.
type HarvestResult struct {
	PointIDs     []string
	TotalPoints  int
	ValidSamples int
	Stats        models.ResultStats
}

// RecomputeResult reports how many points got a refreshed velocity model.
type RecomputeResult struct {
	PointsUpdated int
}

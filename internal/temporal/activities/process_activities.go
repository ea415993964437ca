package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/sentryal/insar-api/internal/events"
	"github.com/sentryal/insar-api/internal/insar"
	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/notification"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/raster"
	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/temporal"
	"github.com/sentryal/insar-api/internal/worker"
)

type Activities struct {
	JobRepo         repository.JobRepository
	PointRepo       repository.PointRepository
	MeasurementRepo repository.MeasurementRepository
	ScheduleRepo    repository.ScheduleRepository
	Processor       insar.Processor
	Recomputer      *worker.Recomputer
	Notifications   notification.Service
	Events          *events.Publisher
	Metrics         *observability.Metrics

	SamplerOptions raster.Options
	WebhookBaseURL string
	JWTSigningKey  []byte
}

// bboxMarginDeg pads the submission bounding box around the outermost
// points so edge pixels fully cover them.
const bboxMarginDeg = 0.01

// SubmitJobActivity moves the job to running and submits it to the external
// service. Re-running after a crash reuses the stored handle instead of
// submitting twice.
func (a *Activities) SubmitJobActivity(ctx context.Context, params temporal.ProcessParams) (string, error) {
	logger := activity.GetLogger(ctx)

	job, err := a.ensureActive(ctx, params.JobID)
	if err != nil {
		return "", err
	}

	if job.Status == models.JobStatusPending {
		if _, err := a.JobRepo.TransitionStatus(ctx, params.JobID, models.JobStatusRunning, nil); err != nil {
			return "", errors.Wrap(err, "transition job to running")
		}
		if a.Notifications != nil {
			if err := a.Notifications.NotifyJobStarted(ctx, params.InfrastructureID, params.JobID); err != nil {
				logger.Warn("Failed to publish start notification.", "error", err)
			}
		}
		a.Events.PublishJobEvent(ctx, events.JobEvent{
			JobID:            params.JobID,
			InfrastructureID: params.InfrastructureID,
			Status:           string(models.JobStatusRunning),
		})
	}

	if job.ExternalHandle != nil && *job.ExternalHandle != "" {
		logger.Info("Job already submitted, reusing handle.", "JobID", params.JobID, "handle", *job.ExternalHandle)
		return *job.ExternalHandle, nil
	}

	spec, err := a.buildSubmissionSpec(ctx, job)
	if err != nil {
		return "", permanent(err)
	}

	handle, err := a.Processor.Submit(ctx, spec)
	if err != nil {
		if insar.IsTransient(err) {
			return "", err
		}
		return "", permanent(err)
	}

	if err := a.JobRepo.SetExternalHandle(ctx, params.JobID, handle); err != nil {
		return "", errors.Wrap(err, "persist external handle")
	}

	logger.Info("Job submitted to processing service.", "JobID", params.JobID, "handle", handle)
	return handle, nil
}

// PollJobActivity observes the external run once. A webhook delivery that
// already recorded the result short-circuits the external call.
func (a *Activities) PollJobActivity(ctx context.Context, params temporal.ProcessParams, handle string) (*temporal.PollStateResult, error) {
	job, err := a.ensureActive(ctx, params.JobID)
	if err != nil {
		return nil, err
	}

	if len(job.Artifacts) > 0 {
		var refs []insar.ArtifactRef
		if err := json.Unmarshal(job.Artifacts, &refs); err == nil && len(refs) > 0 {
			a.countPoll("terminal")
			return &temporal.PollStateResult{
				Terminal:  true,
				Succeeded: true,
				Artifacts: refs,
				Stats:     job.ResultStats,
			}, nil
		}
	}

	result, err := a.Processor.Poll(ctx, handle)
	if err != nil {
		a.countPoll("error")
		if insar.IsTransient(err) {
			return nil, err
		}
		return nil, permanent(err)
	}

	if !result.Terminal() {
		a.countPoll("pending")
		return &temporal.PollStateResult{}, nil
	}

	a.countPoll("terminal")
	state := &temporal.PollStateResult{
		Terminal:  true,
		Succeeded: result.Status == insar.StatusCompleted,
		Reason:    result.Reason,
		Artifacts: result.Artifacts,
		Stats:     result.Stats,
	}
	if !state.Succeeded && state.Reason == "" {
		state.Reason = fmt.Sprintf("processing service reported %s", result.Status)
	}
	return state, nil
}

// HarvestActivity downloads the raster artifact, samples every monitoring
// point, and upserts the extracted measurements. Safe to re-run: the upsert
// key (point, job, date) absorbs repeats.
func (a *Activities) HarvestActivity(ctx context.Context, params temporal.ProcessParams, poll temporal.PollStateResult) (*temporal.HarvestResult, error) {
	logger := activity.GetLogger(ctx)

	job, err := a.ensureActive(ctx, params.JobID)
	if err != nil {
		return nil, err
	}

	if len(poll.Artifacts) == 0 {
		return nil, permanent(errors.New("no usable artifact in processing result"))
	}

	grid, coherence, err := a.fetchGrids(ctx, poll.Artifacts)
	if err != nil {
		return nil, err
	}

	points, err := a.PointRepo.ListByInfrastructure(ctx, params.InfrastructureID)
	if err != nil {
		return nil, errors.Wrap(err, "list monitoring points")
	}
	if len(points) == 0 {
		return nil, permanent(errors.New("infrastructure has no monitoring points"))
	}

	measuredAt := grid.MeasuredAt
	if measuredAt.IsZero() {
		measuredAt, err = fallbackMeasurementDate(job)
		if err != nil {
			return nil, permanent(err)
		}
	}

	rasterPoints := make([]raster.Point, len(points))
	for i, p := range points {
		rasterPoints[i] = raster.Point{ID: p.ID, Lat: p.Latitude, Lon: p.Longitude}
	}
	sampled := raster.Sample(grid, rasterPoints, a.SamplerOptions)

	var (
		pointIDs []string
		valid    int
		sum      float64
		min, max float64
		cohSum   float64
		cohCount int
	)
	for i, sv := range sampled {
		if !sv.Valid {
			continue
		}

		m := models.DeformationMeasurement{
			PointID:        sv.PointID,
			JobID:          params.JobID,
			MeasuredAt:     measuredAt,
			DisplacementMM: sv.DisplacementMM,
		}
		if coherence != nil {
			if c, ok := coherence.Lookup(points[i].Latitude, points[i].Longitude); ok && c >= 0 && c <= 1 {
				m.Coherence = &c
				cohSum += c
				cohCount++
			}
		}

		if _, err := a.MeasurementRepo.Upsert(ctx, m); err != nil {
			return nil, errors.Wrapf(err, "upsert measurement for point %s", sv.PointID)
		}

		if valid == 0 || sv.DisplacementMM < min {
			min = sv.DisplacementMM
		}
		if valid == 0 || sv.DisplacementMM > max {
			max = sv.DisplacementMM
		}
		sum += sv.DisplacementMM
		valid++
		pointIDs = append(pointIDs, sv.PointID)

		if valid%100 == 0 {
			activity.RecordHeartbeat(ctx, valid)
		}
	}

	if valid == 0 {
		return nil, permanent(errors.New("zero valid samples extracted from raster"))
	}

	refs, err := json.Marshal(poll.Artifacts)
	if err != nil {
		return nil, errors.Wrap(err, "marshal artifact refs")
	}
	if err := a.JobRepo.SetArtifacts(ctx, params.JobID, refs); err != nil {
		return nil, errors.Wrap(err, "persist artifact refs")
	}

	stats := models.ResultStats{
		MeanDisplacementMM: sum / float64(valid),
		MinDisplacementMM:  min,
		MaxDisplacementMM:  max,
		ValidPoints:        valid,
	}
	if cohCount > 0 {
		stats.MeanCoherence = cohSum / float64(cohCount)
	}
	// The service's own statistics win when present.
	if poll.Stats != nil {
		stats = *poll.Stats
	}

	if a.Metrics != nil {
		a.Metrics.SamplesExtracted.Observe(float64(valid))
		a.Metrics.InvalidSampleRate.Observe(float64(len(points)-valid) / float64(len(points)))
	}

	logger.Info("Harvest complete.", "JobID", params.JobID, "valid", valid, "total", len(points))
	return &temporal.HarvestResult{
		PointIDs:     pointIDs,
		TotalPoints:  len(points),
		ValidSamples: valid,
		Stats:        stats,
	}, nil
}

// RecomputeVelocitiesActivity refreshes the rate model of every point that
// received a new measurement.
func (a *Activities) RecomputeVelocitiesActivity(ctx context.Context, pointIDs []string) (*temporal.RecomputeResult, error) {
	updated := 0
	for i, pointID := range pointIDs {
		ok, err := a.Recomputer.RecomputePoint(ctx, pointID)
		if err != nil {
			return nil, err
		}
		if ok {
			updated++
		}
		if (i+1)%50 == 0 {
			activity.RecordHeartbeat(ctx, i+1)
		}
	}
	return &temporal.RecomputeResult{PointsUpdated: updated}, nil
}

// CompleteJobActivity finalizes a successful run.
func (a *Activities) CompleteJobActivity(ctx context.Context, params temporal.ProcessParams, harvest temporal.HarvestResult) error {
	logger := activity.GetLogger(ctx)

	if _, err := a.ensureActive(ctx, params.JobID); err != nil {
		return err
	}

	affected, err := a.JobRepo.TransitionStatus(ctx, params.JobID, models.JobStatusSucceeded, nil)
	if err != nil {
		return errors.Wrap(err, "transition job to succeeded")
	}
	if affected == 0 {
		// Lost a race with cancellation; leave the terminal state alone.
		return jobCancelledError(params.JobID)
	}

	if err := a.JobRepo.SetResultStats(ctx, params.JobID, harvest.Stats); err != nil {
		logger.Warn("Failed to persist result stats.", "JobID", params.JobID, "error", err)
	}

	a.settleSchedule(ctx, params, true)

	if a.Notifications != nil {
		if err := a.Notifications.NotifyJobSucceeded(ctx, params.InfrastructureID, params.JobID, harvest.ValidSamples, harvest.Stats.MeanDisplacementMM); err != nil {
			logger.Warn("Failed to publish success notification.", "error", err)
		}
	}
	a.Events.PublishJobEvent(ctx, events.JobEvent{
		JobID:            params.JobID,
		InfrastructureID: params.InfrastructureID,
		Status:           string(models.JobStatusSucceeded),
	})

	if a.Metrics != nil {
		a.Metrics.JobsSucceeded.Inc()
		if job, err := a.JobRepo.GetByID(ctx, params.JobID); err == nil && job.CompletedAt != nil {
			a.Metrics.JobDuration.Observe(job.CompletedAt.Sub(job.CreatedAt).Seconds())
		}
	}
	return nil
}

// FailJobActivity records a terminal failure with its human-readable reason.
func (a *Activities) FailJobActivity(ctx context.Context, params temporal.ProcessParams, reason string) error {
	logger := activity.GetLogger(ctx)

	affected, err := a.JobRepo.TransitionStatus(ctx, params.JobID, models.JobStatusFailed, &reason)
	if err != nil {
		return errors.Wrap(err, "transition job to failed")
	}
	if affected == 0 {
		// Already terminal (cancelled or a concurrent finalize); nothing to record.
		logger.Info("Job already terminal, skipping failure record.", "JobID", params.JobID)
		return nil
	}

	a.settleSchedule(ctx, params, false)

	if a.Notifications != nil {
		if err := a.Notifications.NotifyJobFailed(ctx, params.InfrastructureID, params.JobID, reason); err != nil {
			logger.Warn("Failed to publish failure notification.", "error", err)
		}
	}
	a.Events.PublishJobEvent(ctx, events.JobEvent{
		JobID:            params.JobID,
		InfrastructureID: params.InfrastructureID,
		Status:           string(models.JobStatusFailed),
		Reason:           reason,
	})

	if a.Metrics != nil {
		a.Metrics.JobsFailed.Inc()
	}
	return nil
}

// ensureActive fetches the job and raises the cancellation error type when
// an operator cancelled it. Every side-effecting activity calls this first.
func (a *Activities) ensureActive(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	job, err := a.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return models.ProcessingJob{}, errors.Wrapf(err, "fetch job %s", jobID)
	}
	if job.Status == models.JobStatusCancelled {
		return models.ProcessingJob{}, jobCancelledError(jobID)
	}
	return job, nil
}

func (a *Activities) buildSubmissionSpec(ctx context.Context, job models.ProcessingJob) (models.SubmissionSpec, error) {
	sel, err := models.ParseDateSelection(job.DateSelection)
	if err != nil {
		return models.SubmissionSpec{}, err
	}
	dateFrom, dateTo, maxScenes, explicit, err := models.ResolveSubmission(sel)
	if err != nil {
		return models.SubmissionSpec{}, err
	}

	points, err := a.PointRepo.ListByInfrastructure(ctx, job.InfrastructureID)
	if err != nil {
		return models.SubmissionSpec{}, errors.Wrap(err, "list monitoring points")
	}
	if len(points) == 0 {
		return models.SubmissionSpec{}, errors.New("infrastructure has no monitoring points")
	}

	spec := models.SubmissionSpec{
		JobID:            job.ID,
		InfrastructureID: job.InfrastructureID,
		DateFrom:         dateFrom,
		DateTo:           dateTo,
		MaxScenes:        maxScenes,
		ExplicitDates:    explicit,
		BoundingBox:      pointsBBox(points),
		Points:           make([]models.SubmissionPoint, len(points)),
	}
	for i, p := range points {
		spec.Points[i] = models.SubmissionPoint{ID: p.ID, Lat: p.Latitude, Lon: p.Longitude}
	}

	if a.WebhookBaseURL != "" {
		token, err := generateJobToken(job.ID, job.InfrastructureID, a.JWTSigningKey)
		if err != nil {
			return models.SubmissionSpec{}, errors.Wrap(err, "generate webhook token")
		}
		spec.WebhookURL = fmt.Sprintf("%s/api/jobs/%s/complete", strings.TrimRight(a.WebhookBaseURL, "/"), job.ID)
		spec.WebhookToken = token
	}

	return spec, nil
}

// fetchGrids downloads and decodes the displacement grid and, when the
// result carries one, the matching coherence grid.
func (a *Activities) fetchGrids(ctx context.Context, refs []insar.ArtifactRef) (*raster.Grid, *raster.Grid, error) {
	var displacement, coherence *raster.Grid
	for _, ref := range refs {
		isCoherence := strings.Contains(strings.ToLower(ref.Name), "coherence")
		if !isCoherence && displacement != nil {
			continue
		}

		data, err := a.Processor.Download(ctx, ref)
		if err != nil {
			if insar.IsTransient(err) {
				return nil, nil, err
			}
			return nil, nil, permanent(err)
		}
		grid, err := raster.DecodeGrid(data)
		if err != nil {
			// Malformed artifact is a contract violation, not worth retrying.
			return nil, nil, permanent(err)
		}

		if isCoherence {
			coherence = grid
		} else {
			displacement = grid
		}
	}

	if displacement == nil {
		return nil, nil, permanent(errors.New("result contains no displacement grid"))
	}
	return displacement, coherence, nil
}

func (a *Activities) settleSchedule(ctx context.Context, params temporal.ProcessParams, succeeded bool) {
	if params.ScheduleID == nil {
		return
	}
	if err := a.ScheduleRepo.RecordOutcome(ctx, *params.ScheduleID, succeeded); err != nil {
		activity.GetLogger(ctx).Warn("Failed to record schedule outcome.", "ScheduleID", *params.ScheduleID, "error", err)
	}
}

func (a *Activities) countPoll(outcome string) {
	if a.Metrics != nil {
		a.Metrics.PollAttempts.WithLabelValues(outcome).Inc()
	}
}

// fallbackMeasurementDate uses the selection's upper bound when the grid
// does not declare its acquisition date.
func fallbackMeasurementDate(job models.ProcessingJob) (time.Time, error) {
	sel, err := models.ParseDateSelection(job.DateSelection)
	if err != nil {
		return time.Time{}, err
	}
	_, dateTo, _, _, err := models.ResolveSubmission(sel)
	if err != nil {
		return time.Time{}, err
	}
	return dateTo, nil
}

func pointsBBox(points []models.MonitoringPoint) models.SubmissionBBox {
	bbox := models.SubmissionBBox{
		West:  points[0].Longitude,
		East:  points[0].Longitude,
		South: points[0].Latitude,
		North: points[0].Latitude,
	}
	for _, p := range points[1:] {
		if p.Longitude < bbox.West {
			bbox.West = p.Longitude
		}
		if p.Longitude > bbox.East {
			bbox.East = p.Longitude
		}
		if p.Latitude < bbox.South {
			bbox.South = p.Latitude
		}
		if p.Latitude > bbox.North {
			bbox.North = p.Latitude
		}
	}
	bbox.West -= bboxMarginDeg
	bbox.East += bboxMarginDeg
	bbox.South -= bboxMarginDeg
	bbox.North += bboxMarginDeg
	return bbox
}

func jobCancelledError(jobID string) error {
	return sdktemporal.NewNonRetryableApplicationError(
		fmt.Sprintf("job %s cancelled", jobID), temporal.ErrTypeJobCancelled, nil)
}

// permanent wraps data/contract failures so the retry policy skips them.
func permanent(err error) error {
	return sdktemporal.NewNonRetryableApplicationError(err.Error(), temporal.ErrTypePermanent, err)
}

func generateJobToken(jobID, infrastructureID string, signingKey []byte) (string, error) {
	claims := jwt.MapClaims{
		"sub": jobID,
		"iid": infrastructureID,
		"aud": "insar-webhook",
		"iss": "insar-api",
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

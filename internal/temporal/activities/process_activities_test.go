package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sentryal/insar-api/internal/insar"
	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/temporal"
	"github.com/sentryal/insar-api/internal/worker"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]models.ProcessingJob
}

func newFakeJobRepo(jobs ...models.ProcessingJob) *fakeJobRepo {
	repo := &fakeJobRepo{jobs: make(map[string]models.ProcessingJob)}
	for _, j := range jobs {
		repo.jobs[j.ID] = j
	}
	return repo
}

func (r *fakeJobRepo) Create(ctx context.Context, job models.ProcessingJob) (models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(r.jobs)+1)
	job.CreatedAt = time.Now()
	r.jobs[job.ID] = job
	return job, nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return models.ProcessingJob{}, errors.New("processing job not found")
	}
	return job, nil
}

func (r *fakeJobRepo) List(ctx context.Context, infraID string, limit, offset int) ([]models.ProcessingJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) TransitionStatus(ctx context.Context, jobID string, to models.JobStatus, reason *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || !models.CanTransition(job.Status, to) {
		return 0, nil
	}
	job.Status = to
	if reason != nil {
		job.ErrorReason = reason
	}
	now := time.Now()
	switch to {
	case models.JobStatusRunning:
		job.StartedAt = &now
	case models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled:
		job.CompletedAt = &now
	}
	r.jobs[jobID] = job
	return 1, nil
}

func (r *fakeJobRepo) SetExternalHandle(ctx context.Context, jobID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[jobID]
	job.ExternalHandle = &handle
	r.jobs[jobID] = job
	return nil
}

func (r *fakeJobRepo) SetArtifacts(ctx context.Context, jobID string, artifacts json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[jobID]
	job.Artifacts = artifacts
	r.jobs[jobID] = job
	return nil
}

func (r *fakeJobRepo) SetResultStats(ctx context.Context, jobID string, stats models.ResultStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[jobID]
	job.ResultStats = &stats
	r.jobs[jobID] = job
	return nil
}

func (r *fakeJobRepo) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	return 0, nil
}

func (r *fakeJobRepo) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return 0, nil
}

type fakePointRepo struct {
	points []models.MonitoringPoint
}

func (r *fakePointRepo) Create(ctx context.Context, p models.MonitoringPoint) (models.MonitoringPoint, error) {
	r.points = append(r.points, p)
	return p, nil
}

func (r *fakePointRepo) GetByID(ctx context.Context, pointID string) (models.MonitoringPoint, error) {
	for _, p := range r.points {
		if p.ID == pointID {
			return p, nil
		}
	}
	return models.MonitoringPoint{}, errors.New("monitoring point not found")
}

func (r *fakePointRepo) ListByInfrastructure(ctx context.Context, infraID string) ([]models.MonitoringPoint, error) {
	return r.points, nil
}

type measurementKey struct {
	pointID    string
	jobID      string
	measuredAt time.Time
}

type fakeMeasurementRepo struct {
	mu           sync.Mutex
	measurements map[measurementKey]models.DeformationMeasurement
	estimates    map[string]json.RawMessage
}

func newFakeMeasurementRepo() *fakeMeasurementRepo {
	return &fakeMeasurementRepo{
		measurements: make(map[measurementKey]models.DeformationMeasurement),
		estimates:    make(map[string]json.RawMessage),
	}
}

func (r *fakeMeasurementRepo) Upsert(ctx context.Context, m models.DeformationMeasurement) (models.DeformationMeasurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements[measurementKey{m.PointID, m.JobID, m.MeasuredAt}] = m
	return m, nil
}

func (r *fakeMeasurementRepo) ListByPoint(ctx context.Context, pointID string) ([]models.DeformationMeasurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DeformationMeasurement
	for _, m := range r.measurements {
		if m.PointID == pointID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeMeasurementRepo) ListPointIDsByJob(ctx context.Context, jobID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.measurements {
		if m.JobID == jobID && !seen[m.PointID] {
			seen[m.PointID] = true
			out = append(out, m.PointID)
		}
	}
	return out, nil
}

func (r *fakeMeasurementRepo) DeleteByJob(ctx context.Context, jobID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for k, m := range r.measurements {
		if m.JobID == jobID {
			delete(r.measurements, k)
			removed++
		}
	}
	return removed, nil
}

func (r *fakeMeasurementRepo) SaveEstimate(ctx context.Context, pointID string, velocityMMYr float64, estimate json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimates[pointID] = estimate
	return nil
}

func (r *fakeMeasurementRepo) GetEstimate(ctx context.Context, pointID string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.estimates[pointID], nil
}

type fakeProcessor struct {
	mu         sync.Mutex
	submitted  []models.SubmissionSpec
	pollResult insar.PollResult
	pollErr    error
	artifacts  map[string][]byte
}

func (p *fakeProcessor) Submit(ctx context.Context, spec models.SubmissionSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, spec)
	return "run-abc", nil
}

func (p *fakeProcessor) Poll(ctx context.Context, handle string) (insar.PollResult, error) {
	if p.pollErr != nil {
		return insar.PollResult{}, p.pollErr
	}
	return p.pollResult, nil
}

func (p *fakeProcessor) Download(ctx context.Context, ref insar.ArtifactRef) ([]byte, error) {
	data, ok := p.artifacts[ref.Name]
	if !ok {
		return nil, errors.New("unknown artifact")
	}
	return data, nil
}

// testGridDoc builds a 10x10 displacement grid over lon [4,5] lat [44,45]
// filled with no-data except the given (row, col) cells.
func testGridDoc(t *testing.T, cells map[[2]int]float64, measuredAt time.Time) []byte {
	t.Helper()
	values := make([]float64, 100)
	for i := range values {
		values[i] = -9999
	}
	for rc, v := range cells {
		values[rc[0]*10+rc[1]] = v
	}
	doc, err := json.Marshal(map[string]interface{}{
		"width":       10,
		"height":      10,
		"bbox":        map[string]float64{"west": 4, "south": 44, "east": 5, "north": 45},
		"no_data":     -9999,
		"unit":        "m",
		"measured_at": measuredAt,
		"values":      values,
	})
	require.NoError(t, err)
	return doc
}

// pixelCenter returns the lat/lon of a cell center in the test grid.
func pixelCenter(row, col int) (lat, lon float64) {
	return 45 - (float64(row)+0.5)/10, 4 + (float64(col)+0.5)/10
}

func newTestActivities(jobs *fakeJobRepo, points *fakePointRepo, measurements *fakeMeasurementRepo, proc *fakeProcessor) *Activities {
	return &Activities{
		JobRepo:         jobs,
		PointRepo:       points,
		MeasurementRepo: measurements,
		Processor:       proc,
		Recomputer: &worker.Recomputer{
			PointRepo:       points,
			MeasurementRepo: measurements,
			Metrics:         observability.NewMetricsForTesting(),
			Logger:          zerolog.Nop(),
		},
		Metrics: observability.NewMetricsForTesting(),
	}
}

func testDateSelection(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := models.EncodeDateSelection(models.DateRangeSelection{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return raw
}

func TestProcessingActivitiesEndToEnd(t *testing.T) {
	measuredAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Five points on distinct pixel centers with known readings in meters.
	readings := []float64{-0.0165, -0.0154, -0.0164, -0.0173, -0.0196}
	cells := map[[2]int]float64{
		{1, 1}: readings[0],
		{2, 3}: readings[1],
		{4, 5}: readings[2],
		{6, 7}: readings[3],
		{8, 9}: readings[4],
	}

	points := &fakePointRepo{}
	cellOrder := [][2]int{{1, 1}, {2, 3}, {4, 5}, {6, 7}, {8, 9}}
	for idx, rc := range cellOrder {
		lat, lon := pixelCenter(rc[0], rc[1])
		points.points = append(points.points, models.MonitoringPoint{
			ID:               fmt.Sprintf("pt-%d", idx+1),
			InfrastructureID: "infra-1",
			Name:             fmt.Sprintf("anchor %d", idx+1),
			Latitude:         lat,
			Longitude:        lon,
		})
	}

	jobs := newFakeJobRepo(models.ProcessingJob{
		ID:               "job-1",
		InfrastructureID: "infra-1",
		OwnerID:          "owner-1",
		Status:           models.JobStatusPending,
		DateSelection:    testDateSelection(t),
	})
	measurements := newFakeMeasurementRepo()
	proc := &fakeProcessor{
		pollResult: insar.PollResult{
			Status:    insar.StatusCompleted,
			Artifacts: []insar.ArtifactRef{{Name: "displacement", URL: "https://results/displacement.json"}},
		},
		artifacts: map[string][]byte{
			"displacement": testGridDoc(t, cells, measuredAt),
		},
	}
	a := newTestActivities(jobs, points, measurements, proc)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	params := temporal.ProcessParams{
		JobID:            "job-1",
		InfrastructureID: "infra-1",
		OwnerID:          "owner-1",
		PollInterval:     time.Second,
		MaxPollAttempts:  10,
		JobTimeout:       time.Minute,
	}

	// Submit: pending -> running, spec carries all five points.
	val, err := env.ExecuteActivity(a.SubmitJobActivity, params)
	require.NoError(t, err)
	var handle string
	require.NoError(t, val.Get(&handle))
	assert.Equal(t, "run-abc", handle)

	job, err := jobs.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	require.NotNil(t, job.ExternalHandle)
	require.Len(t, proc.submitted, 1)
	assert.Len(t, proc.submitted[0].Points, 5)

	// Submitting again reuses the stored handle without a second run.
	_, err = env.ExecuteActivity(a.SubmitJobActivity, params)
	require.NoError(t, err)
	assert.Len(t, proc.submitted, 1)

	// Poll: the run is already terminal and succeeded.
	val, err = env.ExecuteActivity(a.PollJobActivity, params, handle)
	require.NoError(t, err)
	var poll temporal.PollStateResult
	require.NoError(t, val.Get(&poll))
	require.True(t, poll.Terminal)
	require.True(t, poll.Succeeded)

	// Harvest: all five points sample valid readings, converted to mm.
	val, err = env.ExecuteActivity(a.HarvestActivity, params, poll)
	require.NoError(t, err)
	var harvest temporal.HarvestResult
	require.NoError(t, val.Get(&harvest))
	assert.Equal(t, 5, harvest.TotalPoints)
	assert.Equal(t, 5, harvest.ValidSamples)
	assert.Len(t, harvest.PointIDs, 5)

	for idx := range cellOrder {
		history, err := measurements.ListByPoint(context.Background(), fmt.Sprintf("pt-%d", idx+1))
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.InDelta(t, readings[idx]*1000, history[0].DisplacementMM, 1e-9)
		assert.True(t, history[0].MeasuredAt.Equal(measuredAt))
	}

	// Re-running the harvest upserts instead of duplicating.
	_, err = env.ExecuteActivity(a.HarvestActivity, params, poll)
	require.NoError(t, err)
	history, err := measurements.ListByPoint(context.Background(), "pt-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Recompute: one measurement per point is below the estimation minimum.
	val, err = env.ExecuteActivity(a.RecomputeVelocitiesActivity, harvest.PointIDs)
	require.NoError(t, err)
	var recompute temporal.RecomputeResult
	require.NoError(t, val.Get(&recompute))
	assert.Zero(t, recompute.PointsUpdated)

	// Complete: running -> succeeded with stats persisted.
	_, err = env.ExecuteActivity(a.CompleteJobActivity, params, harvest)
	require.NoError(t, err)

	job, err = jobs.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.ResultStats)
	assert.Equal(t, 5, job.ResultStats.ValidPoints)
	assert.InDelta(t, -17.04, job.ResultStats.MeanDisplacementMM, 0.01)
	assert.InDelta(t, -19.6, job.ResultStats.MinDisplacementMM, 1e-9)
	assert.InDelta(t, -15.4, job.ResultStats.MaxDisplacementMM, 1e-9)
	require.NotNil(t, job.CompletedAt)
}

func TestRecomputeVelocitiesUpdatesSeededHistory(t *testing.T) {
	points := &fakePointRepo{points: []models.MonitoringPoint{{
		ID:               "pt-1",
		InfrastructureID: "infra-1",
		Latitude:         44.5,
		Longitude:        4.5,
	}}}
	measurements := newFakeMeasurementRepo()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		_, err := measurements.Upsert(context.Background(), models.DeformationMeasurement{
			PointID:        "pt-1",
			JobID:          fmt.Sprintf("job-%d", i),
			MeasuredAt:     base.AddDate(0, 0, 12*i),
			DisplacementMM: -0.5 * float64(i),
		})
		require.NoError(t, err)
	}

	jobs := newFakeJobRepo()
	a := newTestActivities(jobs, points, measurements, &fakeProcessor{})

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.RecomputeVelocitiesActivity, []string{"pt-1"})
	require.NoError(t, err)
	var result temporal.RecomputeResult
	require.NoError(t, val.Get(&result))
	assert.Equal(t, 1, result.PointsUpdated)

	estimate, err := measurements.GetEstimate(context.Background(), "pt-1")
	require.NoError(t, err)
	require.NotNil(t, estimate)
}

func TestSubmitJobActivityCancelled(t *testing.T) {
	jobs := newFakeJobRepo(models.ProcessingJob{
		ID:               "job-1",
		InfrastructureID: "infra-1",
		Status:           models.JobStatusCancelled,
		DateSelection:    testDateSelection(t),
	})
	a := newTestActivities(jobs, &fakePointRepo{}, newFakeMeasurementRepo(), &fakeProcessor{})

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	_, err := env.ExecuteActivity(a.SubmitJobActivity, temporal.ProcessParams{JobID: "job-1"})
	require.Error(t, err)

	var appErr *sdktemporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, temporal.ErrTypeJobCancelled, appErr.Type())
}

func TestHarvestActivityZeroValidSamples(t *testing.T) {
	lat, lon := pixelCenter(5, 5)
	points := &fakePointRepo{points: []models.MonitoringPoint{{
		ID: "pt-1", InfrastructureID: "infra-1", Latitude: lat, Longitude: lon,
	}}}
	jobs := newFakeJobRepo(models.ProcessingJob{
		ID:               "job-1",
		InfrastructureID: "infra-1",
		Status:           models.JobStatusRunning,
		DateSelection:    testDateSelection(t),
	})
	proc := &fakeProcessor{artifacts: map[string][]byte{
		// Every cell is no-data, so no point yields a reading.
		"displacement": testGridDoc(t, nil, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
	}}
	a := newTestActivities(jobs, points, newFakeMeasurementRepo(), proc)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	poll := temporal.PollStateResult{
		Terminal:  true,
		Succeeded: true,
		Artifacts: []insar.ArtifactRef{{Name: "displacement", URL: "https://results/displacement.json"}},
	}
	_, err := env.ExecuteActivity(a.HarvestActivity, temporal.ProcessParams{JobID: "job-1", InfrastructureID: "infra-1"}, poll)
	require.Error(t, err)

	var appErr *sdktemporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, temporal.ErrTypePermanent, appErr.Type())
	assert.Contains(t, appErr.Error(), "zero valid samples")
}

func TestFailJobActivityRecordsReason(t *testing.T) {
	scheduleID := "sched-1"
	jobs := newFakeJobRepo(models.ProcessingJob{
		ID:               "job-1",
		InfrastructureID: "infra-1",
		Status:           models.JobStatusRunning,
		ScheduleID:       &scheduleID,
		DateSelection:    testDateSelection(t),
	})
	schedules := &recordingScheduleRepo{}
	a := newTestActivities(jobs, &fakePointRepo{}, newFakeMeasurementRepo(), &fakeProcessor{})
	a.ScheduleRepo = schedules

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	params := temporal.ProcessParams{JobID: "job-1", InfrastructureID: "infra-1", ScheduleID: &scheduleID}
	_, err := env.ExecuteActivity(a.FailJobActivity, params, "processing service reported FAILED")
	require.NoError(t, err)

	job, err := jobs.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorReason)
	assert.Equal(t, "processing service reported FAILED", *job.ErrorReason)
	assert.Equal(t, []bool{false}, schedules.outcomes)

	// Failing an already-terminal job is a no-op, not an error.
	_, err = env.ExecuteActivity(a.FailJobActivity, params, "late duplicate")
	require.NoError(t, err)
	job, _ = jobs.GetByID(context.Background(), "job-1")
	assert.Equal(t, "processing service reported FAILED", *job.ErrorReason)
}

type recordingScheduleRepo struct {
	mu       sync.Mutex
	outcomes []bool
}

func (r *recordingScheduleRepo) Create(ctx context.Context, s models.JobSchedule) (models.JobSchedule, error) {
	return s, nil
}

func (r *recordingScheduleRepo) GetByID(ctx context.Context, id string) (models.JobSchedule, error) {
	return models.JobSchedule{}, errors.New("schedule not found")
}

func (r *recordingScheduleRepo) ListByInfrastructure(ctx context.Context, infraID string) ([]models.JobSchedule, error) {
	return nil, nil
}

func (r *recordingScheduleRepo) ListDue(ctx context.Context, now time.Time) ([]models.JobSchedule, error) {
	return nil, nil
}

func (r *recordingScheduleRepo) MarkFired(ctx context.Context, id string, firedAt, nextRunAt time.Time) error {
	return nil
}

func (r *recordingScheduleRepo) RecordOutcome(ctx context.Context, id string, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, succeeded)
	return nil
}

func (r *recordingScheduleRepo) SetActive(ctx context.Context, id string, active bool, nextRunAt *time.Time) error {
	return nil
}

func (r *recordingScheduleRepo) Delete(ctx context.Context, id string) error {
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentryal/insar-api/internal/models"
)

type JobRepository interface {
	Create(ctx context.Context, job models.ProcessingJob) (models.ProcessingJob, error)
	GetByID(ctx context.Context, jobID string) (models.ProcessingJob, error)
	List(ctx context.Context, infrastructureID string, limit, offset int) ([]models.ProcessingJob, error)

	// TransitionStatus advances the job state machine. The guard on the
	// current status makes illegal transitions a no-op; callers inspect the
	// affected-row count to detect them.
	TransitionStatus(ctx context.Context, jobID string, to models.JobStatus, reason *string) (int64, error)

	SetExternalHandle(ctx context.Context, jobID, handle string) error
	SetArtifacts(ctx context.Context, jobID string, artifacts json.RawMessage) error
	SetResultStats(ctx context.Context, jobID string, stats models.ResultStats) error

	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, infrastructure_id, owner_id, schedule_id, status, date_selection,
	external_handle, error_reason, artifacts, result_stats, created_at, started_at, completed_at`

func (r *jobRepository) Create(ctx context.Context, job models.ProcessingJob) (models.ProcessingJob, error) {
	const query = `
		INSERT INTO monitor.processing_jobs (infrastructure_id, owner_id, schedule_id, status, date_selection)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	err := r.db.QueryRowContext(ctx, query,
		job.InfrastructureID,
		job.OwnerID,
		job.ScheduleID,
		job.Status,
		[]byte(job.DateSelection),
	).Scan(&job.ID, &job.CreatedAt)
	return job, err
}

func (r *jobRepository) GetByID(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM monitor.processing_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return job, errors.New("processing job not found")
		}
		return job, err
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, infrastructureID string, limit, offset int) ([]models.ProcessingJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `
		SELECT ` + jobColumns + `
		FROM monitor.processing_jobs
		WHERE infrastructure_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, infrastructureID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.ProcessingJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepository) TransitionStatus(ctx context.Context, jobID string, to models.JobStatus, reason *string) (int64, error) {
	var (
		query string
		args  []interface{}
	)

	switch to {
	case models.JobStatusRunning:
		query = `
			UPDATE monitor.processing_jobs
			   SET status = $1, started_at = NOW()
			 WHERE id = $2 AND status = 'pending'
		`
		args = []interface{}{to, jobID}

	case models.JobStatusSucceeded:
		query = `
			UPDATE monitor.processing_jobs
			   SET status = $1, completed_at = NOW(), error_reason = NULL
			 WHERE id = $2 AND status = 'running'
		`
		args = []interface{}{to, jobID}

	case models.JobStatusFailed, models.JobStatusCancelled:
		var msg interface{}
		if reason != nil && *reason != "" {
			msg = *reason
		}
		query = `
			UPDATE monitor.processing_jobs
			   SET status = $1, completed_at = NOW(), error_reason = $2
			 WHERE id = $3 AND status IN ('pending', 'running')
		`
		args = []interface{}{to, msg, jobID}

	default:
		return 0, fmt.Errorf("invalid target status %q", to)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *jobRepository) SetExternalHandle(ctx context.Context, jobID, handle string) error {
	const query = `
		UPDATE monitor.processing_jobs
		SET external_handle = $1
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, handle, jobID)
	return err
}

func (r *jobRepository) SetArtifacts(ctx context.Context, jobID string, artifacts json.RawMessage) error {
	const query = `
		UPDATE monitor.processing_jobs
		SET artifacts = $1
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, []byte(artifacts), jobID)
	return err
}

func (r *jobRepository) SetResultStats(ctx context.Context, jobID string, stats models.ResultStats) error {
	bytes, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal result stats: %w", err)
	}
	const query = `
		UPDATE monitor.processing_jobs
		SET result_stats = $1
		WHERE id = $2
	`
	_, err = r.db.ExecContext(ctx, query, bytes, jobID)
	return err
}

func (r *jobRepository) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM monitor.processing_jobs
		WHERE owner_id = $1 AND status IN ('pending', 'running')
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&count)
	return count, err
}

func (r *jobRepository) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM monitor.processing_jobs
		WHERE owner_id = $1 AND created_at >= $2
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, ownerID, since).Scan(&count)
	return count, err
}

func scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (models.ProcessingJob, error) {
	var (
		job            models.ProcessingJob
		scheduleID     sql.NullString
		externalHandle sql.NullString
		errorReason    sql.NullString
		dateSelection  []byte
		artifacts      []byte
		resultStats    []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.InfrastructureID,
		&job.OwnerID,
		&scheduleID,
		&job.Status,
		&dateSelection,
		&externalHandle,
		&errorReason,
		&artifacts,
		&resultStats,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return models.ProcessingJob{}, err
	}

	job.DateSelection = dateSelection
	if scheduleID.Valid {
		val := scheduleID.String
		job.ScheduleID = &val
	}
	if externalHandle.Valid {
		val := externalHandle.String
		job.ExternalHandle = &val
	}
	if errorReason.Valid {
		val := errorReason.String
		job.ErrorReason = &val
	}
	if len(artifacts) > 0 {
		job.Artifacts = artifacts
	}
	if len(resultStats) > 0 {
		var stats models.ResultStats
		if err := json.Unmarshal(resultStats, &stats); err != nil {
			return models.ProcessingJob{}, fmt.Errorf("decode result stats: %w", err)
		}
		job.ResultStats = &stats
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return job, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sentryal/insar-api/internal/models"
)

type ScheduleRepository interface {
	Create(ctx context.Context, schedule models.JobSchedule) (models.JobSchedule, error)
	GetByID(ctx context.Context, scheduleID string) (models.JobSchedule, error)
	ListByInfrastructure(ctx context.Context, infrastructureID string) ([]models.JobSchedule, error)
	ListDue(ctx context.Context, now time.Time) ([]models.JobSchedule, error)

	// MarkFired records one firing: bumps the run counter and moves the
	// next-run pointer forward.
	MarkFired(ctx context.Context, scheduleID string, firedAt, nextRunAt time.Time) error
	// RecordOutcome settles the success/failure counter once the fired
	// job resolves.
	RecordOutcome(ctx context.Context, scheduleID string, succeeded bool) error
	SetActive(ctx context.Context, scheduleID string, active bool, nextRunAt *time.Time) error
	Delete(ctx context.Context, scheduleID string) error
}

type scheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

const scheduleColumns = `id, infrastructure_id, owner_id, frequency_days, is_active,
	last_run_at, next_run_at, total_runs, successful_runs, failed_runs, created_at, updated_at`

func (r *scheduleRepository) Create(ctx context.Context, schedule models.JobSchedule) (models.JobSchedule, error) {
	const query = `
		INSERT INTO monitor.job_schedules (infrastructure_id, owner_id, frequency_days, is_active, next_run_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		schedule.InfrastructureID,
		schedule.OwnerID,
		schedule.FrequencyDays,
		schedule.IsActive,
		schedule.NextRunAt,
	).Scan(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)
	return schedule, err
}

func (r *scheduleRepository) GetByID(ctx context.Context, scheduleID string) (models.JobSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM monitor.job_schedules WHERE id = $1`
	schedule, err := scanSchedule(r.db.QueryRowContext(ctx, query, scheduleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return schedule, errors.New("schedule not found")
		}
		return schedule, err
	}
	return schedule, nil
}

func (r *scheduleRepository) ListByInfrastructure(ctx context.Context, infrastructureID string) ([]models.JobSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM monitor.job_schedules
		WHERE infrastructure_id = $1
		ORDER BY created_at
	`
	return r.list(ctx, query, infrastructureID)
}

func (r *scheduleRepository) ListDue(ctx context.Context, now time.Time) ([]models.JobSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM monitor.job_schedules
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at
	`
	return r.list(ctx, query, now)
}

func (r *scheduleRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.JobSchedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []models.JobSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *scheduleRepository) MarkFired(ctx context.Context, scheduleID string, firedAt, nextRunAt time.Time) error {
	const query = `
		UPDATE monitor.job_schedules
		SET last_run_at = $1,
		    next_run_at = $2,
		    total_runs  = total_runs + 1,
		    updated_at  = NOW()
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, firedAt, nextRunAt, scheduleID)
	return err
}

func (r *scheduleRepository) RecordOutcome(ctx context.Context, scheduleID string, succeeded bool) error {
	query := `
		UPDATE monitor.job_schedules
		SET failed_runs = failed_runs + 1, updated_at = NOW()
		WHERE id = $1
	`
	if succeeded {
		query = `
			UPDATE monitor.job_schedules
			SET successful_runs = successful_runs + 1, updated_at = NOW()
			WHERE id = $1
		`
	}
	_, err := r.db.ExecContext(ctx, query, scheduleID)
	return err
}

func (r *scheduleRepository) SetActive(ctx context.Context, scheduleID string, active bool, nextRunAt *time.Time) error {
	const query = `
		UPDATE monitor.job_schedules
		SET is_active   = $1,
		    next_run_at = COALESCE($2, next_run_at),
		    updated_at  = NOW()
		WHERE id = $3
	`
	res, err := r.db.ExecContext(ctx, query, active, nextRunAt, scheduleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("schedule not found")
	}
	return nil
}

func (r *scheduleRepository) Delete(ctx context.Context, scheduleID string) error {
	const query = `
		DELETE FROM monitor.job_schedules
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, scheduleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("schedule not found")
	}
	return nil
}

func scanSchedule(scanner interface {
	Scan(dest ...interface{}) error
}) (models.JobSchedule, error) {
	var (
		schedule  models.JobSchedule
		lastRunAt sql.NullTime
	)
	if err := scanner.Scan(
		&schedule.ID,
		&schedule.InfrastructureID,
		&schedule.OwnerID,
		&schedule.FrequencyDays,
		&schedule.IsActive,
		&lastRunAt,
		&schedule.NextRunAt,
		&schedule.TotalRuns,
		&schedule.SuccessfulRuns,
		&schedule.FailedRuns,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	); err != nil {
		return models.JobSchedule{}, err
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		schedule.LastRunAt = &t
	}
	return schedule, nil
}

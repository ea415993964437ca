package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentryal/insar-api/internal/models"
)

type MeasurementRepository interface {
	// Upsert inserts a measurement or overwrites the existing row with the
	// same (point, job, date) key. Re-running a harvest never duplicates.
	Upsert(ctx context.Context, m models.DeformationMeasurement) (models.DeformationMeasurement, error)
	ListByPoint(ctx context.Context, pointID string) ([]models.DeformationMeasurement, error)
	ListPointIDsByJob(ctx context.Context, jobID string) ([]string, error)
	DeleteByJob(ctx context.Context, jobID string) (int64, error)

	// SaveEstimate persists a recomputed velocity model for a point: the
	// side-table row plus the velocity and diagnostics on the point's latest
	// measurement.
	SaveEstimate(ctx context.Context, pointID string, velocityMMYr float64, estimate json.RawMessage) error
	GetEstimate(ctx context.Context, pointID string) (json.RawMessage, error)
}

type measurementRepository struct {
	db *sql.DB
}

func NewMeasurementRepository(db *sql.DB) MeasurementRepository {
	return &measurementRepository{db: db}
}

func (r *measurementRepository) Upsert(ctx context.Context, m models.DeformationMeasurement) (models.DeformationMeasurement, error) {
	const query = `
		INSERT INTO monitor.deformation_measurements
			(point_id, job_id, measured_at, displacement_mm, coherence, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (point_id, job_id, measured_at) DO UPDATE
		SET displacement_mm = EXCLUDED.displacement_mm,
		    coherence       = EXCLUDED.coherence,
		    metadata        = COALESCE(EXCLUDED.metadata, monitor.deformation_measurements.metadata),
		    updated_at      = NOW()
		RETURNING id, created_at, updated_at
	`

	var metadata interface{}
	if len(m.Metadata) > 0 {
		metadata = []byte(m.Metadata)
	}

	err := r.db.QueryRowContext(ctx, query,
		m.PointID,
		m.JobID,
		m.MeasuredAt,
		m.DisplacementMM,
		m.Coherence,
		metadata,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (r *measurementRepository) ListByPoint(ctx context.Context, pointID string) ([]models.DeformationMeasurement, error) {
	const query = `
		SELECT id, point_id, job_id, measured_at, displacement_mm, velocity_mm_yr, coherence, metadata, created_at, updated_at
		FROM monitor.deformation_measurements
		WHERE point_id = $1
		ORDER BY measured_at
	`
	rows, err := r.db.QueryContext(ctx, query, pointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var measurements []models.DeformationMeasurement
	for rows.Next() {
		var (
			m        models.DeformationMeasurement
			velocity sql.NullFloat64
			cohere   sql.NullFloat64
			metadata []byte
		)
		if err := rows.Scan(
			&m.ID,
			&m.PointID,
			&m.JobID,
			&m.MeasuredAt,
			&m.DisplacementMM,
			&velocity,
			&cohere,
			&metadata,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if velocity.Valid {
			v := velocity.Float64
			m.VelocityMMYr = &v
		}
		if cohere.Valid {
			c := cohere.Float64
			m.Coherence = &c
		}
		if len(metadata) > 0 {
			m.Metadata = metadata
		}
		measurements = append(measurements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return measurements, nil
}

func (r *measurementRepository) ListPointIDsByJob(ctx context.Context, jobID string) ([]string, error) {
	const query = `
		SELECT DISTINCT point_id
		FROM monitor.deformation_measurements
		WHERE job_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *measurementRepository) DeleteByJob(ctx context.Context, jobID string) (int64, error) {
	const query = `
		DELETE FROM monitor.deformation_measurements
		WHERE job_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *measurementRepository) SaveEstimate(ctx context.Context, pointID string, velocityMMYr float64, estimate json.RawMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const estimateQuery = `
		INSERT INTO monitor.velocity_estimates (point_id, velocity_mm_yr, estimate)
		VALUES ($1, $2, $3)
		ON CONFLICT (point_id) DO UPDATE
		SET velocity_mm_yr = EXCLUDED.velocity_mm_yr,
		    estimate       = EXCLUDED.estimate,
		    updated_at     = NOW()
	`
	if _, err := tx.ExecContext(ctx, estimateQuery, pointID, velocityMMYr, []byte(estimate)); err != nil {
		return fmt.Errorf("upsert velocity estimate: %w", err)
	}

	const measurementQuery = `
		UPDATE monitor.deformation_measurements
		SET velocity_mm_yr = $1, metadata = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM monitor.deformation_measurements
			WHERE point_id = $3
			ORDER BY measured_at DESC
			LIMIT 1
		)
	`
	if _, err := tx.ExecContext(ctx, measurementQuery, velocityMMYr, []byte(estimate), pointID); err != nil {
		return fmt.Errorf("update latest measurement: %w", err)
	}

	return tx.Commit()
}

func (r *measurementRepository) GetEstimate(ctx context.Context, pointID string) (json.RawMessage, error) {
	const query = `
		SELECT estimate
		FROM monitor.velocity_estimates
		WHERE point_id = $1
	`
	var estimate []byte
	err := r.db.QueryRowContext(ctx, query, pointID).Scan(&estimate)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return estimate, nil
}

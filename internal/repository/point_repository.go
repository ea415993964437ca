package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sentryal/insar-api/internal/models"
)

type PointRepository interface {
	Create(ctx context.Context, point models.MonitoringPoint) (models.MonitoringPoint, error)
	GetByID(ctx context.Context, pointID string) (models.MonitoringPoint, error)
	ListByInfrastructure(ctx context.Context, infrastructureID string) ([]models.MonitoringPoint, error)
}

type pointRepository struct {
	db *sql.DB
}

func NewPointRepository(db *sql.DB) PointRepository {
	return &pointRepository{db: db}
}

func (r *pointRepository) Create(ctx context.Context, point models.MonitoringPoint) (models.MonitoringPoint, error) {
	const query = `
		INSERT INTO monitor.monitoring_points (infrastructure_id, name, latitude, longitude)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		point.InfrastructureID,
		point.Name,
		point.Latitude,
		point.Longitude,
	).Scan(&point.ID, &point.CreatedAt)
	return point, err
}

func (r *pointRepository) GetByID(ctx context.Context, pointID string) (models.MonitoringPoint, error) {
	const query = `
		SELECT id, infrastructure_id, name, latitude, longitude, created_at
		FROM monitor.monitoring_points
		WHERE id = $1
	`
	var point models.MonitoringPoint
	err := r.db.QueryRowContext(ctx, query, pointID).Scan(
		&point.ID,
		&point.InfrastructureID,
		&point.Name,
		&point.Latitude,
		&point.Longitude,
		&point.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return point, errors.New("monitoring point not found")
		}
		return point, err
	}
	return point, nil
}

func (r *pointRepository) ListByInfrastructure(ctx context.Context, infrastructureID string) ([]models.MonitoringPoint, error) {
	const query = `
		SELECT id, infrastructure_id, name, latitude, longitude, created_at
		FROM monitor.monitoring_points
		WHERE infrastructure_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, infrastructureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.MonitoringPoint
	for rows.Next() {
		var p models.MonitoringPoint
		if err := rows.Scan(&p.ID, &p.InfrastructureID, &p.Name, &p.Latitude, &p.Longitude, &p.CreatedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

package models

import (
	"encoding/json"
	"time"
)

// DeformationMeasurement is one displacement reading for a point, produced by
// sampling a job's result raster. Unique on (point, job, measured date); the
// repository upsert makes rewrites of the same key idempotent.
type DeformationMeasurement struct {
	ID             string          `json:"id" db:"id"`
	PointID        string          `json:"point_id" db:"point_id"`
	JobID          string          `json:"job_id" db:"job_id"`
	MeasuredAt     time.Time       `json:"measured_at" db:"measured_at"`
	DisplacementMM float64         `json:"displacement_mm" db:"displacement_mm"`
	VelocityMMYr   *float64        `json:"velocity_mm_yr,omitempty" db:"velocity_mm_yr"`
	Coherence      *float64        `json:"coherence,omitempty" db:"coherence"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

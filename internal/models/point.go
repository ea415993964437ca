package models

import "time"

// MonitoringPoint is a fixed geographic location on an infrastructure for
// which displacement is tracked. Coordinates are WGS84; points are immutable
// once created.
type MonitoringPoint struct {
	ID               string    `json:"id" db:"id"`
	InfrastructureID string    `json:"infrastructure_id" db:"infrastructure_id"`
	Name             string    `json:"name" db:"name"`
	Latitude         float64   `json:"latitude" db:"latitude"`
	Longitude        float64   `json:"longitude" db:"longitude"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

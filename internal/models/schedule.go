package models

import "time"

// JobSchedule re-triggers the processing pipeline for an infrastructure on a
// fixed cadence. Counters track how many enqueued jobs resolved either way.
type JobSchedule struct {
	ID               string     `json:"id" db:"id"`
	InfrastructureID string     `json:"infrastructure_id" db:"infrastructure_id"`
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	FrequencyDays    int        `json:"frequency_days" db:"frequency_days"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt        time.Time  `json:"next_run_at" db:"next_run_at"`
	TotalRuns        int        `json:"total_runs" db:"total_runs"`
	SuccessfulRuns   int        `json:"successful_runs" db:"successful_runs"`
	FailedRuns       int        `json:"failed_runs" db:"failed_runs"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// NextRun computes the run following a fire at the given time.
func (s JobSchedule) NextRun(firedAt time.Time) time.Time {
	return firedAt.AddDate(0, 0, s.FrequencyDays)
}

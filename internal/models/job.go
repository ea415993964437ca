package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// allowedTransitions encodes the job state machine. Terminal states have no
// outgoing edges; a retry creates a fresh pending job instead of reviving a
// terminal one.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether moving from one job status to another is legal.
func CanTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// ProcessingJob is one run of the radar-processing pipeline for an
// infrastructure. ExternalHandle is nil until the job has been submitted to
// the processing service.
type ProcessingJob struct {
	ID               string          `json:"id" db:"id"`
	InfrastructureID string          `json:"infrastructure_id" db:"infrastructure_id"`
	OwnerID          string          `json:"owner_id" db:"owner_id"`
	ScheduleID       *string         `json:"schedule_id,omitempty" db:"schedule_id"`
	Status           JobStatus       `json:"status" db:"status"`
	DateSelection    json.RawMessage `json:"date_selection" db:"date_selection"`
	ExternalHandle   *string         `json:"external_handle,omitempty" db:"external_handle"`
	ErrorReason      *string         `json:"error_reason,omitempty" db:"error_reason"`
	Artifacts        json.RawMessage `json:"artifacts,omitempty" db:"artifacts"`
	ResultStats      *ResultStats    `json:"result_stats,omitempty" db:"result_stats"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ResultStats summarizes the processing service's output for a succeeded job.
type ResultStats struct {
	MeanCoherence      float64 `json:"mean_coherence"`
	MeanDisplacementMM float64 `json:"mean_displacement_mm"`
	MinDisplacementMM  float64 `json:"min_displacement_mm"`
	MaxDisplacementMM  float64 `json:"max_displacement_mm"`
	ValidPoints        int     `json:"valid_points"`
}

// DateSelection chooses which radar acquisitions a job covers. It is a closed
// set: a fixed range, the N scenes closest to a target date, or an explicit
// list of dates. Handlers resolve it to a SubmissionSpec before the worker
// ever sees it.
type DateSelection interface {
	isDateSelection()
}

type DateRangeSelection struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type TargetDateSelection struct {
	Target        time.Time `json:"target"`
	ClosestImages int       `json:"closest_images"`
}

type ExplicitDatesSelection struct {
	Dates []time.Time `json:"dates"`
}

func (DateRangeSelection) isDateSelection()     {}
func (TargetDateSelection) isDateSelection()    {}
func (ExplicitDatesSelection) isDateSelection() {}

const (
	dateSelectionModeRange    = "range"
	dateSelectionModeTarget   = "target"
	dateSelectionModeExplicit = "explicit"
)

type dateSelectionEnvelope struct {
	Mode          string      `json:"mode"`
	Start         *time.Time  `json:"start,omitempty"`
	End           *time.Time  `json:"end,omitempty"`
	Target        *time.Time  `json:"target,omitempty"`
	ClosestImages int         `json:"closest_images,omitempty"`
	Dates         []time.Time `json:"dates,omitempty"`
}

// ParseDateSelection decodes the tagged JSON form of a date selection.
func ParseDateSelection(raw json.RawMessage) (DateSelection, error) {
	var env dateSelectionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode date selection: %w", err)
	}
	switch env.Mode {
	case dateSelectionModeRange:
		if env.Start == nil || env.End == nil {
			return nil, fmt.Errorf("date selection mode %q requires start and end", env.Mode)
		}
		if env.End.Before(*env.Start) {
			return nil, fmt.Errorf("date selection end %s precedes start %s", env.End.Format(time.DateOnly), env.Start.Format(time.DateOnly))
		}
		return DateRangeSelection{Start: *env.Start, End: *env.End}, nil
	case dateSelectionModeTarget:
		if env.Target == nil {
			return nil, fmt.Errorf("date selection mode %q requires target", env.Mode)
		}
		count := env.ClosestImages
		if count <= 0 {
			count = 2
		}
		return TargetDateSelection{Target: *env.Target, ClosestImages: count}, nil
	case dateSelectionModeExplicit:
		if len(env.Dates) == 0 {
			return nil, fmt.Errorf("date selection mode %q requires at least one date", env.Mode)
		}
		return ExplicitDatesSelection{Dates: env.Dates}, nil
	default:
		return nil, fmt.Errorf("unknown date selection mode %q", env.Mode)
	}
}

// EncodeDateSelection produces the tagged JSON form stored on the job row.
func EncodeDateSelection(sel DateSelection) (json.RawMessage, error) {
	var env dateSelectionEnvelope
	switch s := sel.(type) {
	case DateRangeSelection:
		start, end := s.Start, s.End
		env = dateSelectionEnvelope{Mode: dateSelectionModeRange, Start: &start, End: &end}
	case TargetDateSelection:
		target := s.Target
		env = dateSelectionEnvelope{Mode: dateSelectionModeTarget, Target: &target, ClosestImages: s.ClosestImages}
	case ExplicitDatesSelection:
		env = dateSelectionEnvelope{Mode: dateSelectionModeExplicit, Dates: s.Dates}
	default:
		return nil, fmt.Errorf("unsupported date selection type %T", sel)
	}
	return json.Marshal(env)
}

// SubmissionSpec is the canonical request shape sent to the processing
// service, resolved from a DateSelection before submission.
type SubmissionSpec struct {
	JobID            string            `json:"job_id"`
	InfrastructureID string            `json:"infrastructure_id"`
	DateFrom         time.Time         `json:"date_from"`
	DateTo           time.Time         `json:"date_to"`
	MaxScenes        int               `json:"max_scenes,omitempty"`
	ExplicitDates    []time.Time       `json:"explicit_dates,omitempty"`
	BoundingBox      SubmissionBBox    `json:"bbox"`
	Points           []SubmissionPoint `json:"points"`
	WebhookURL       string            `json:"webhook_url,omitempty"`
	WebhookToken     string            `json:"webhook_token,omitempty"`
}

type SubmissionBBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

type SubmissionPoint struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// targetWindowDays is the half-width of the acquisition window used when a
// target-date selection is resolved. Matches the processing service's default
// temporal baseline.
const targetWindowDays = 180

// ResolveSubmission flattens a DateSelection into the canonical date window
// the processing service understands.
func ResolveSubmission(sel DateSelection) (dateFrom, dateTo time.Time, maxScenes int, explicit []time.Time, err error) {
	switch s := sel.(type) {
	case DateRangeSelection:
		return s.Start, s.End, 0, nil, nil
	case TargetDateSelection:
		window := time.Duration(targetWindowDays) * 24 * time.Hour
		return s.Target.Add(-window), s.Target.Add(window), s.ClosestImages, nil, nil
	case ExplicitDatesSelection:
		min, max := s.Dates[0], s.Dates[0]
		for _, d := range s.Dates[1:] {
			if d.Before(min) {
				min = d
			}
			if d.After(max) {
				max = d
			}
		}
		return min, max, len(s.Dates), s.Dates, nil
	default:
		return time.Time{}, time.Time{}, 0, nil, fmt.Errorf("unsupported date selection type %T", sel)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/repository"
)

type ScheduleHandler struct {
	repo   repository.ScheduleRepository
	logger zerolog.Logger
}

func NewScheduleHandler(repo repository.ScheduleRepository, logger zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		repo:   repo,
		logger: logger.With().Str("handler", "schedule").Logger(),
	}
}

func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing owner context", http.StatusUnauthorized)
		return
	}
	infrastructureID := mux.Vars(r)["infraID"]

	var payload struct {
		FrequencyDays int        `json:"frequency_days"`
		StartAt       *time.Time `json:"start_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if payload.FrequencyDays < 1 {
		http.Error(w, "frequency_days must be at least 1", http.StatusBadRequest)
		return
	}

	firstRun := time.Now().UTC()
	if payload.StartAt != nil {
		firstRun = payload.StartAt.UTC()
	}

	schedule, err := h.repo.Create(r.Context(), models.JobSchedule{
		InfrastructureID: infrastructureID,
		OwnerID:          ownerID,
		FrequencyDays:    payload.FrequencyDays,
		IsActive:         true,
		NextRunAt:        firstRun,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to create schedule")
		http.Error(w, "Failed to create schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	infrastructureID := mux.Vars(r)["infraID"]
	schedules, err := h.repo.ListByInfrastructure(r.Context(), infrastructureID)
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to list schedules")
		http.Error(w, "Failed to list schedules", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (h *ScheduleHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]
	schedule, err := h.repo.GetByID(r.Context(), scheduleID)
	if err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]
	if err := h.repo.SetActive(r.Context(), scheduleID, false, nil); err != nil {
		http.Error(w, "Failed to pause schedule: "+err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSchedule reactivates a paused schedule. The next run is pushed one
// full cadence out from now, so resuming never fires a burst of catch-up
// jobs for the paused period.
func (h *ScheduleHandler) ResumeSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]

	schedule, err := h.repo.GetByID(r.Context(), scheduleID)
	if err != nil {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}

	next := schedule.NextRun(time.Now().UTC())
	if err := h.repo.SetActive(r.Context(), scheduleID, true, &next); err != nil {
		http.Error(w, "Failed to resume schedule: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["scheduleID"]
	if err := h.repo.Delete(r.Context(), scheduleID); err != nil {
		http.Error(w, "Failed to delete schedule: "+err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/worker"
)

type VelocityHandler struct {
	measurements repository.MeasurementRepository
	recomputer   *worker.Recomputer
	logger       zerolog.Logger
}

func NewVelocityHandler(measurements repository.MeasurementRepository, recomputer *worker.Recomputer, logger zerolog.Logger) *VelocityHandler {
	return &VelocityHandler{
		measurements: measurements,
		recomputer:   recomputer,
		logger:       logger.With().Str("handler", "velocity").Logger(),
	}
}

// GetEstimate returns the stored velocity model of a point.
func (h *VelocityHandler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	pointID := mux.Vars(r)["pointID"]

	estimate, err := h.measurements.GetEstimate(r.Context(), pointID)
	if err != nil {
		h.logger.Error().Err(err).Str("point_id", pointID).Msg("failed to fetch velocity estimate")
		http.Error(w, "Failed to fetch velocity estimate", http.StatusInternalServerError)
		return
	}
	if estimate == nil {
		http.Error(w, "No velocity estimate for this point", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(estimate)
}

// RecomputePoint refits one point's model on demand.
func (h *VelocityHandler) RecomputePoint(w http.ResponseWriter, r *http.Request) {
	pointID := mux.Vars(r)["pointID"]

	updated, err := h.recomputer.RecomputePoint(r.Context(), pointID)
	if err != nil {
		h.logger.Error().Err(err).Str("point_id", pointID).Msg("failed to recompute velocity")
		http.Error(w, "Failed to recompute velocity", http.StatusInternalServerError)
		return
	}
	if !updated {
		http.Error(w, "Not enough measurements for a velocity estimate", http.StatusConflict)
		return
	}

	estimate, err := h.measurements.GetEstimate(r.Context(), pointID)
	if err != nil || estimate == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(estimate)
}

// RecomputeInfrastructure refits every point of an infrastructure.
func (h *VelocityHandler) RecomputeInfrastructure(w http.ResponseWriter, r *http.Request) {
	infrastructureID := mux.Vars(r)["infraID"]

	updated, err := h.recomputer.RecomputeInfrastructure(r.Context(), infrastructureID)
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to recompute velocities")
		http.Error(w, "Failed to recompute velocities", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"points_updated": updated})
}

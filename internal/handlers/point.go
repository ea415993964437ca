package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/repository"
)

type PointHandler struct {
	points       repository.PointRepository
	measurements repository.MeasurementRepository
	logger       zerolog.Logger
}

func NewPointHandler(points repository.PointRepository, measurements repository.MeasurementRepository, logger zerolog.Logger) *PointHandler {
	return &PointHandler{
		points:       points,
		measurements: measurements,
		logger:       logger.With().Str("handler", "point").Logger(),
	}
}

func (h *PointHandler) CreatePoint(w http.ResponseWriter, r *http.Request) {
	infrastructureID := mux.Vars(r)["infraID"]

	var payload struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		http.Error(w, "Point name is required", http.StatusBadRequest)
		return
	}
	if payload.Latitude < -90 || payload.Latitude > 90 || payload.Longitude < -180 || payload.Longitude > 180 {
		http.Error(w, "Coordinates out of range", http.StatusBadRequest)
		return
	}

	point, err := h.points.Create(r.Context(), models.MonitoringPoint{
		InfrastructureID: infrastructureID,
		Name:             payload.Name,
		Latitude:         payload.Latitude,
		Longitude:        payload.Longitude,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to create point")
		http.Error(w, "Failed to create monitoring point", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, point)
}

func (h *PointHandler) ListPoints(w http.ResponseWriter, r *http.Request) {
	infrastructureID := mux.Vars(r)["infraID"]
	points, err := h.points.ListByInfrastructure(r.Context(), infrastructureID)
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to list points")
		http.Error(w, "Failed to list monitoring points", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (h *PointHandler) GetPoint(w http.ResponseWriter, r *http.Request) {
	pointID := mux.Vars(r)["pointID"]
	point, err := h.points.GetByID(r.Context(), pointID)
	if err != nil {
		http.Error(w, "Monitoring point not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

// ListMeasurements returns a point's full displacement history, oldest first.
func (h *PointHandler) ListMeasurements(w http.ResponseWriter, r *http.Request) {
	pointID := mux.Vars(r)["pointID"]
	measurements, err := h.measurements.ListByPoint(r.Context(), pointID)
	if err != nil {
		h.logger.Error().Err(err).Str("point_id", pointID).Msg("failed to list measurements")
		http.Error(w, "Failed to list measurements", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"measurements": measurements})
}

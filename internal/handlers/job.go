package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/insar"
	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/worker"
)

type JobHandler struct {
	repo     repository.JobRepository
	enqueuer *worker.Enqueuer
	logger   zerolog.Logger
}

func NewJobHandler(repo repository.JobRepository, enqueuer *worker.Enqueuer, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		repo:     repo,
		enqueuer: enqueuer,
		logger:   logger.With().Str("handler", "job").Logger(),
	}
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing owner context", http.StatusUnauthorized)
		return
	}
	infrastructureID := mux.Vars(r)["infraID"]

	var payload struct {
		DateSelection json.RawMessage `json:"date_selection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if _, err := models.ParseDateSelection(payload.DateSelection); err != nil {
		http.Error(w, "Invalid date selection: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.enqueuer.Enqueue(r.Context(), models.ProcessingJob{
		InfrastructureID: infrastructureID,
		OwnerID:          ownerID,
		DateSelection:    payload.DateSelection,
	})
	if err != nil {
		var rlErr *worker.RateLimitError
		if errors.As(err, &rlErr) {
			http.Error(w, rlErr.Error(), http.StatusTooManyRequests)
			return
		}
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to enqueue job")
		http.Error(w, "Failed to enqueue job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.repo.GetByID(r.Context(), jobID)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	infrastructureID := mux.Vars(r)["infraID"]

	limit, offset := 25, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	jobs, err := h.repo.List(r.Context(), infrastructureID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("infrastructure_id", infrastructureID).Msg("failed to list jobs")
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.enqueuer.Retry(r.Context(), jobID)
	if err != nil {
		var rlErr *worker.RateLimitError
		if errors.As(err, &rlErr) {
			http.Error(w, rlErr.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, "Failed to retry job: "+err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.enqueuer.Cancel(r.Context(), jobID); err != nil {
		http.Error(w, "Failed to cancel job: "+err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteJob is the processing service's completion callback. A successful
// delivery stores the artifact references so the worker's next poll resolves
// without another round trip to the service; the job itself is finalized by
// the workflow, never here.
func (h *JobHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	var payload struct {
		Status string `json:"status"`
		Output struct {
			Artifacts  []insar.ArtifactRef `json:"artifacts"`
			Statistics *models.ResultStats `json:"statistics"`
			Error      string              `json:"error"`
		} `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	status := insar.ExternalStatus(strings.ToUpper(payload.Status))
	if status != insar.StatusCompleted || len(payload.Output.Artifacts) == 0 {
		// Failures are left for the poll loop to pick up with full context.
		h.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("completion callback without artifacts")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	refs, err := json.Marshal(payload.Output.Artifacts)
	if err != nil {
		http.Error(w, "Invalid artifact payload", http.StatusBadRequest)
		return
	}
	if err := h.repo.SetArtifacts(r.Context(), jobID, refs); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to store callback artifacts")
		http.Error(w, "Failed to store result", http.StatusInternalServerError)
		return
	}
	if payload.Output.Statistics != nil {
		if err := h.repo.SetResultStats(r.Context(), jobID, *payload.Output.Statistics); err != nil {
			h.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to store callback statistics")
		}
	}

	h.logger.Info().Str("job_id", jobID).Int("artifacts", len(payload.Output.Artifacts)).Msg("completion callback stored")
	w.WriteHeader(http.StatusNoContent)
}

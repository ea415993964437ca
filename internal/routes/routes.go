package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryal/insar-api/internal/authz"
	"github.com/sentryal/insar-api/internal/handlers"
)

// NewRouter sets up the API routes.
func NewRouter(
	auth *authz.Authenticator,
	job *handlers.JobHandler,
	point *handlers.PointHandler,
	schedule *handlers.ScheduleHandler,
	velocity *handlers.VelocityHandler,
	notif *handlers.NotificationHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Operational endpoints, no auth.
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Completion callback from the processing service, authenticated with
	// the job-scoped token issued at submission.
	router.Handle("/api/jobs/{jobID}/complete",
		auth.JobTokenMiddleware(http.HandlerFunc(job.CompleteJob))).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)

	// Monitoring points
	api.HandleFunc("/infrastructures/{infraID}/points", point.CreatePoint).Methods(http.MethodPost)
	api.HandleFunc("/infrastructures/{infraID}/points", point.ListPoints).Methods(http.MethodGet)
	api.HandleFunc("/points/{pointID}", point.GetPoint).Methods(http.MethodGet)
	api.HandleFunc("/points/{pointID}/measurements", point.ListMeasurements).Methods(http.MethodGet)

	// Processing jobs
	api.HandleFunc("/infrastructures/{infraID}/jobs", job.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/infrastructures/{infraID}/jobs", job.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}", job.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/retry", job.RetryJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobID}/cancel", job.CancelJob).Methods(http.MethodPost)

	// Schedules
	api.HandleFunc("/infrastructures/{infraID}/schedules", schedule.CreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/infrastructures/{infraID}/schedules", schedule.ListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{scheduleID}", schedule.GetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{scheduleID}", schedule.DeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{scheduleID}/pause", schedule.PauseSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{scheduleID}/resume", schedule.ResumeSchedule).Methods(http.MethodPost)

	// Velocity models
	api.HandleFunc("/points/{pointID}/velocity", velocity.GetEstimate).Methods(http.MethodGet)
	api.HandleFunc("/points/{pointID}/velocity/recompute", velocity.RecomputePoint).Methods(http.MethodPost)
	api.HandleFunc("/infrastructures/{infraID}/velocity/recompute", velocity.RecomputeInfrastructure).Methods(http.MethodPost)

	// Notifications
	api.HandleFunc("/infrastructures/{infraID}/notifications", notif.List).Methods(http.MethodGet)
	api.HandleFunc("/infrastructures/{infraID}/notifications/{notificationID}/read", notif.MarkRead).Methods(http.MethodPost)

	return router
}

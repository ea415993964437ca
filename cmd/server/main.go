package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/sentryal/insar-api/internal/authz"
	"github.com/sentryal/insar-api/internal/config"
	"github.com/sentryal/insar-api/internal/events"
	"github.com/sentryal/insar-api/internal/handlers"
	"github.com/sentryal/insar-api/internal/insar"
	"github.com/sentryal/insar-api/internal/middleware"
	"github.com/sentryal/insar-api/internal/migration"
	"github.com/sentryal/insar-api/internal/notification"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/raster"
	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/routes"
	"github.com/sentryal/insar-api/internal/scheduler"
	"github.com/sentryal/insar-api/internal/temporal"
	"github.com/sentryal/insar-api/internal/temporal/activities"
	"github.com/sentryal/insar-api/internal/temporal/workflows"
	"github.com/sentryal/insar-api/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	temporalClient tc.Client
	logger         zerolog.Logger
	metrics        *observability.Metrics
	notifications  notification.Service
	events         *events.Publisher
	recomputer     *worker.Recomputer
	enqueuer       *worker.Enqueuer
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Initialize notification service.
	notificationRepo := repository.NewNotificationRepository(db)
	notificationService := notification.NewService(notificationRepo, logger)

	// Initialize Temporal client.
	temporalClient, err := tc.Dial(tc.Options{
		HostPort: cfg.TemporalHost,
		Logger:   temporal.NewTemporalAdapter(logger),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	defer temporalClient.Close()

	metrics := observability.NewMetrics()
	publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	if publisher != nil {
		defer publisher.Close()
	}

	// Create the application instance.
	app := &application{
		config:         cfg,
		db:             db,
		temporalClient: temporalClient,
		logger:         logger,
		metrics:        metrics,
		notifications:  notificationService,
		events:         publisher,
	}

	app.recomputer = &worker.Recomputer{
		PointRepo:         repository.NewPointRepository(db),
		MeasurementRepo:   repository.NewMeasurementRepository(db),
		Notifications:     notificationService,
		Metrics:           metrics,
		Logger:            logger,
		AlertVelocityMMYr: cfg.Alerts.VelocityMMYr,
	}
	app.enqueuer = &worker.Enqueuer{
		JobRepo:         repository.NewJobRepository(db),
		MeasurementRepo: repository.NewMeasurementRepository(db),
		Temporal:        temporalClient,
		Metrics:         metrics,
		Logger:          logger,
		Limits: worker.RateLimits{
			MaxActiveJobs: cfg.RateLimit.MaxActiveJobs,
			MaxHourlyJobs: cfg.RateLimit.MaxHourlyJobs,
			MaxDailyJobs:  cfg.RateLimit.MaxDailyJobs,
		},
		Budget: worker.PollBudget{
			PollInterval:    cfg.Worker.PollInterval,
			MaxPollAttempts: cfg.Worker.MaxPollAttempts,
			JobTimeout:      cfg.Worker.JobTimeout,
		},
	}

	// Start the Temporal worker in a separate goroutine.
	temporalWorker := app.startTemporalWorker(logger)

	// Start the schedule engine.
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	sched := scheduler.New(repository.NewScheduleRepository(db), app.enqueuer, metrics, logger)
	sched.Tick = cfg.Scheduler.Tick
	go func() {
		if err := sched.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Scheduler stopped unexpectedly")
		}
	}()

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.RequestIDMiddleware(middleware.LoggingMiddleware(app.logger)(router))
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, temporalWorker, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	// Repositories
	jobRepo := repository.NewJobRepository(app.db)
	pointRepo := repository.NewPointRepository(app.db)
	measurementRepo := repository.NewMeasurementRepository(app.db)
	scheduleRepo := repository.NewScheduleRepository(app.db)

	auth := &authz.Authenticator{Secret: []byte(app.config.JWTSecret)}

	// Handlers
	jobHandler := handlers.NewJobHandler(jobRepo, app.enqueuer, logger)
	pointHandler := handlers.NewPointHandler(pointRepo, measurementRepo, logger)
	scheduleHandler := handlers.NewScheduleHandler(scheduleRepo, logger)
	velocityHandler := handlers.NewVelocityHandler(measurementRepo, app.recomputer, logger)
	notificationHandler := handlers.NewNotificationHandler(app.notifications, logger)

	return routes.NewRouter(auth, jobHandler, pointHandler, scheduleHandler, velocityHandler, notificationHandler)
}

func (app *application) newProcessor(logger zerolog.Logger) insar.Processor {
	switch app.config.Insar.Mode {
	case "docker":
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Docker client")
		}
		runner := insar.NewDockerRunner(dockerClient)
		return insar.NewDockerProcessor(runner, app.config.Insar.EngineContainer, app.config.Insar.EngineBinary)
	default:
		return insar.NewHTTPProcessor(app.config.Insar.Endpoint, app.config.Insar.APIKey, app.config.Insar.RequestTimeout)
	}
}

func (app *application) startTemporalWorker(logger zerolog.Logger) sdkworker.Worker {
	activityImpl := &activities.Activities{
		JobRepo:         repository.NewJobRepository(app.db),
		PointRepo:       repository.NewPointRepository(app.db),
		MeasurementRepo: repository.NewMeasurementRepository(app.db),
		ScheduleRepo:    repository.NewScheduleRepository(app.db),
		Processor:       app.newProcessor(logger),
		Recomputer:      app.recomputer,
		Notifications:   app.notifications,
		Events:          app.events,
		Metrics:         app.metrics,
		SamplerOptions:  app.samplerOptions(),
		WebhookBaseURL:  app.config.Webhook.BaseURL,
		JWTSigningKey:   []byte(app.config.JWTSecret),
	}

	w := sdkworker.New(app.temporalClient, temporal.TaskQueueName, sdkworker.Options{
		MaxConcurrentActivityExecutionSize: app.config.Worker.MaxConcurrentActivities,
	})

	w.RegisterWorkflow(workflows.ProcessingWorkflow)
	w.RegisterActivity(activityImpl)

	// Start the worker in a goroutine so it doesn't block.
	go func() {
		logger.Info().Msg("Starting Temporal worker...")
		if err := w.Run(sdkworker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()

	return w
}

func (app *application) samplerOptions() (opts raster.Options) {
	opts.MaxAbsValue = app.config.Sampler.MaxAbsValue
	return opts
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker sdkworker.Worker, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop the Temporal worker.
	logger.Info().Msg("Stopping Temporal worker...")
	temporalWorker.Stop()
	logger.Info().Msg("Temporal worker stopped.")
}

package migration

import (
	"database/sql"
	"embed"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations brings the monitor schema up to date. Fatal on failure: the
// process cannot serve with an out-of-date schema.
func RunMigrations(dbURL string, logger zerolog.Logger) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to the database")
	}
	defer db.Close()

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS monitor"); err != nil {
		logger.Fatal().Err(err).Msg("failed to create schema monitor")
	}

	if _, err := db.Exec("SET search_path TO monitor"); err != nil {
		logger.Fatal().Err(err).Msg("failed to set search path")
	}

	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName("monitor.goose_db_version")
	goose.SetLogger(gooseLogger{logger})

	if err := goose.Up(db, "migrations"); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	logger.Info().Msg("migrations completed")
}

type gooseLogger struct {
	logger zerolog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

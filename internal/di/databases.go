package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/qloop/internal/config"
	"github.com/aristath/qloop/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens and migrates the runs database
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	runsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "runs.db"),
		Driver:  cfg.DBDriver,
		Profile: database.ProfileStandard,
		Name:    "runs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runs database: %w", err)
	}
	if err := runsDB.Migrate(); err != nil {
		runsDB.Close()
		return nil, fmt.Errorf("failed to migrate runs database: %w", err)
	}
	container.RunsDB = runsDB

	log.Info().Str("path", runsDB.Path()).Msg("Database initialized")
	return container, nil
}

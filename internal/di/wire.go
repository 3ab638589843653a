package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/qloop/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container
// Order of operations:
// 1. Initialize databases
// 2. Initialize services
// 3. Mark runs interrupted by the previous shutdown as failed
// 4. Register jobs
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	interrupted, err := container.RunRepo.MarkInterrupted(ctx)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if interrupted > 0 {
		log.Warn().Int64("runs", interrupted).Msg("Marked runs interrupted by restart as failed")
	}

	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, jobs, nil
}

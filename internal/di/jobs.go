package di

import (
	"fmt"

	"github.com/aristath/qloop/internal/config"
	"github.com/aristath/qloop/internal/scheduler"
	"github.com/rs/zerolog"
)

// Retention runs hourly on the minute after refills
const runRetentionSchedule = "0 1 * * * *"

// RegisterJobs creates the background jobs and registers them with the scheduler
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	instances := &JobInstances{}

	instances.CreditRefill = scheduler.NewCreditRefillJob(
		container.DevicePool,
		"device",
		cfg.Device.CreditRefillAmount,
		cfg.Device.Credits,
		container.EventBus,
		log,
	)
	if err := container.Scheduler.AddJob(cfg.Device.CreditRefillSchedule, instances.CreditRefill); err != nil {
		return nil, fmt.Errorf("failed to register credit refill job: %w", err)
	}

	instances.RunRetention = scheduler.NewRunRetentionJob(
		container.RunsDB,
		container.RunRepo,
		cfg.RunRetention,
		cfg.DataDir,
		log,
	)
	if err := container.Scheduler.AddJob(runRetentionSchedule, instances.RunRetention); err != nil {
		return nil, fmt.Errorf("failed to register run retention job: %w", err)
	}

	if container.BackupService != nil {
		instances.Backup = scheduler.NewBackupJob(container.BackupService)
		if err := container.Scheduler.AddJob(cfg.Backup.Schedule, instances.Backup); err != nil {
			return nil, fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	log.Info().Strs("jobs", container.Scheduler.Jobs()).Msg("Jobs registered")
	return instances, nil
}

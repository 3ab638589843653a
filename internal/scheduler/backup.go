package scheduler

import (
	"context"
	"time"

	"github.com/aristath/qloop/internal/reliability"
)

// BackupJob uploads a database backup and rotates old ones
type BackupJob struct {
	service *reliability.BackupService
	timeout time.Duration
}

// NewBackupJob creates a backup job
func NewBackupJob(service *reliability.BackupService) *BackupJob {
	return &BackupJob{service: service, timeout: 30 * time.Minute}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run executes the backup
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.service.Run(ctx)
	return err
}

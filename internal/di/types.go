// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/qloop/internal/database"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/aggregator"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/device"
	"github.com/aristath/qloop/internal/modules/feedback"
	"github.com/aristath/qloop/internal/modules/optimizer"
	"github.com/aristath/qloop/internal/modules/runs"
	"github.com/aristath/qloop/internal/reliability"
	"github.com/aristath/qloop/internal/scheduler"
)

// Container holds all application dependencies
type Container struct {
	// Database
	RunsDB *database.DB

	// Events
	EventBus *events.Bus

	// Backends
	Simulator  *backend.Simulator
	Remote     *backend.RemoteDevice // nil unless REMOTE_DEVICE_URL is set
	Backends   []backend.Backend
	ClientPool *backend.CreditPool

	// Device service (server side of the remote backend)
	DevicePool    *backend.CreditPool
	DeviceService *device.Service

	// Optimization runs
	Optimizer  *optimizer.Optimizer
	RunRepo    *runs.Repository
	RunService *runs.Service

	// Batches and feedback
	Aggregator *aggregator.Aggregator
	Tracker    *feedback.Tracker
	Adaptive   *feedback.Adaptive

	// Reliability
	BackupService *reliability.BackupService // nil unless backups are enabled

	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered scheduler jobs
type JobInstances struct {
	CreditRefill *scheduler.CreditRefillJob
	RunRetention *scheduler.RunRetentionJob
	Backup       *scheduler.BackupJob // nil unless backups are enabled
}

// Close stops background services and closes the database. The scheduler
// is stopped by its owner.
func (c *Container) Close() error {
	if c.RunService != nil {
		c.RunService.Close()
	}
	if c.DeviceService != nil {
		c.DeviceService.Close()
	}
	if c.RunsDB != nil {
		return c.RunsDB.Close()
	}
	return nil
}

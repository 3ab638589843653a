package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/qloop/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// RunPruner deletes finished runs created before a cutoff
type RunPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRetentionJob is the daily maintenance pass over the run database:
// integrity check, WAL checkpoint, pruning of expired runs and a disk space
// check of the data directory.
type RunRetentionJob struct {
	db        *database.DB
	runs      RunPruner
	retention time.Duration
	dataDir   string
	now       func() time.Time
	log       zerolog.Logger
}

// NewRunRetentionJob creates a retention job. Runs older than retention are
// deleted; retention 0 keeps everything.
func NewRunRetentionJob(db *database.DB, runs RunPruner, retention time.Duration, dataDir string, log zerolog.Logger) *RunRetentionJob {
	return &RunRetentionJob{
		db:        db,
		runs:      runs,
		retention: retention,
		dataDir:   dataDir,
		now:       time.Now,
		log:       log.With().Str("job", "run_retention").Logger(),
	}
}

// Name returns the job name
func (j *RunRetentionJob) Name() string {
	return "run_retention"
}

// Run executes the maintenance pass
func (j *RunRetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	startTime := time.Now()

	if j.db != nil {
		if err := j.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		if _, err := j.db.Conn().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			// Not critical: the next checkpoint catches up
			j.log.Warn().Err(err).Msg("WAL checkpoint failed")
		}
	}

	var deleted int64
	if j.retention > 0 && j.runs != nil {
		var err error
		deleted, err = j.runs.DeleteOlderThan(ctx, j.now().Add(-j.retention))
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
	}

	j.checkDiskSpace()

	j.log.Info().
		Int64("runs_deleted", deleted).
		Dur("duration", time.Since(startTime)).
		Msg("Run maintenance completed")
	return nil
}

func (j *RunRetentionJob) checkDiskSpace() {
	if j.dataDir == "" {
		return
	}
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read disk usage")
		return
	}

	availableGB := float64(usage.Free) / 1e9
	switch {
	case availableGB < 0.5:
		j.log.Error().Float64("available_gb", availableGB).Msg("Insufficient disk space for run history")
	case availableGB < 5:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
}

package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/qloop/internal/config"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/aggregator"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/device"
	"github.com/aristath/qloop/internal/modules/feedback"
	"github.com/aristath/qloop/internal/modules/optimizer"
	"github.com/aristath/qloop/internal/modules/runs"
	"github.com/aristath/qloop/internal/reliability"
	"github.com/aristath/qloop/internal/scheduler"
	"github.com/rs/zerolog"
)

// defaultTarget is the state a default run drives single_rotation_x on
// two qubits towards: qubit 0 flipped.
const defaultTarget = "01"

// Adaptive rounds run a small fixed batch
const (
	adaptiveNodes = 4
	adaptiveShots = 256
)

// InitializeServices creates every service. Order matters: backends before
// the services that execute on them.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.EventBus = events.NewBus(log)

	// Local simulator
	sim, err := backend.NewSimulator(backend.SimulatorConfig{
		Seed:      cfg.Backend.SimulatorSeed,
		MaxQubits: cfg.Backend.SimulatorMaxQubits,
		Noise:     backend.NoiseModel{ReadoutError: cfg.Backend.ReadoutError},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	container.Simulator = sim
	container.Backends = []backend.Backend{sim}

	// Device service executes on its own simulator so device jobs and local
	// runs draw from independent streams
	deviceSim, err := backend.NewSimulator(backend.SimulatorConfig{
		Seed:      cfg.Backend.SimulatorSeed + 1,
		MaxQubits: cfg.Backend.SimulatorMaxQubits,
		Noise:     backend.NoiseModel{ReadoutError: cfg.Backend.ReadoutError},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create device simulator: %w", err)
	}
	container.DevicePool = backend.NewCreditPool(cfg.Device.Credits)
	container.DeviceService, err = device.NewService(deviceSim, container.DevicePool, device.Config{
		Workers:        cfg.Device.Workers,
		QueueSize:      cfg.Device.QueueSize,
		CreditsPerShot: cfg.Backend.CreditsPerShot,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create device service: %w", err)
	}

	// Remote device client, optional
	container.ClientPool = backend.NewCreditPool(cfg.Backend.ClientCredits)
	if cfg.Backend.RemoteDeviceURL != "" {
		remote, err := backend.NewRemoteDevice(backend.RemoteConfig{
			BaseURL:        cfg.Backend.RemoteDeviceURL,
			ClientID:       "qloop",
			Timeout:        cfg.Backend.RemoteTimeout,
			PollInterval:   cfg.Backend.RemotePollInterval,
			CreditsPerShot: cfg.Backend.CreditsPerShot,
			Retry: backend.RetryPolicy{
				MaxAttempts:    cfg.Backend.RetryMaxAttempts,
				InitialBackoff: cfg.Backend.RetryInitialBackoff,
				MaxBackoff:     cfg.Backend.RetryMaxBackoff,
				Multiplier:     2,
			},
		}, container.ClientPool, log)
		if err != nil {
			return fmt.Errorf("failed to create remote device: %w", err)
		}
		container.Remote = remote
		container.Backends = append(container.Backends, remote)
		log.Info().Str("url", cfg.Backend.RemoteDeviceURL).Msg("Remote device backend enabled")
	}

	// Optimization runs
	container.Optimizer = optimizer.New(log)
	container.RunRepo = runs.NewRepository(container.RunsDB.Conn(), log)
	container.RunService = runs.NewService(
		container.RunRepo,
		container.Optimizer,
		container.Backends,
		container.EventBus,
		runs.Defaults{
			Backend: backend.SimulatorName,
			Layout:  "single_rotation_x",
			Qubits:  2,
			Rule:    "target_miss",
			Target:  defaultTarget,
			Shots:   cfg.Optimizer.DefaultShots,
			Settings: runs.Settings{
				MaxIterations:   cfg.Optimizer.MaxIterations,
				StallIterations: cfg.Optimizer.StallIterations,
				Tolerance:       cfg.Optimizer.StallTolerance,
				Repeats:         cfg.Optimizer.EvaluationRepeats,
			},
		},
		log,
	)

	// Batches and adaptive feedback run on the simulator
	container.Aggregator, err = aggregator.New(sim, aggregator.Config{
		Policy:      aggregator.Policy(cfg.Batch.Policy),
		Concurrency: cfg.Batch.Concurrency,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}
	container.Tracker = feedback.NewTracker()
	container.Adaptive, err = feedback.NewAdaptive(container.Tracker, container.Aggregator, nil, feedback.AdaptiveConfig{
		Nodes: adaptiveNodes,
		Shots: adaptiveShots,
		Seed:  cfg.Backend.SimulatorSeed,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create adaptive feedback: %w", err)
	}

	// Backups, optional
	if cfg.Backup.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Bucket:          cfg.Backup.Bucket,
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.BackupService = reliability.NewBackupService(
			[]reliability.Snapshotter{container.RunsDB},
			store,
			cfg.DataDir,
			cfg.Backup.Retention,
			container.EventBus,
			log,
		)
	}

	container.Scheduler = scheduler.New(log)

	log.Info().Int("backends", len(container.Backends)).Msg("Services initialized")
	return nil
}

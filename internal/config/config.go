// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for the runs database and backups (always absolute)
	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool
	DBDriver  string // "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo)

	Optimizer OptimizerConfig
	Backend   BackendConfig
	Device    DeviceConfig
	Batch     BatchConfig
	Backup    BackupConfig

	RunRetention time.Duration
}

// OptimizerConfig holds the default optimization settings for new runs
type OptimizerConfig struct {
	DefaultShots      int
	MaxIterations     int
	StallIterations   int
	StallTolerance    float64
	EvaluationRepeats int
}

// BackendConfig configures the simulator and the optional remote device client
type BackendConfig struct {
	SimulatorSeed      uint64
	SimulatorMaxQubits int
	ReadoutError       float64

	RemoteDeviceURL     string // Empty disables the remote backend
	RemoteTimeout       time.Duration
	RemotePollInterval  time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	ClientCredits       int64
	CreditsPerShot      int64
}

// DeviceConfig configures the device service that serves remote jobs
type DeviceConfig struct {
	Credits              int64
	Workers              int
	QueueSize            int
	CreditRefillSchedule string // cron expression with seconds
	CreditRefillAmount   int64
}

// BatchConfig configures node batches
type BatchConfig struct {
	Policy      string
	Concurrency int
}

// BackupConfig configures S3-compatible backups of the runs database
type BackupConfig struct {
	Enabled         bool
	Schedule        string
	Bucket          string
	Endpoint        string // Custom endpoint for S3-compatible stores (R2, MinIO)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Retention       int // Number of backups to keep
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QLOOP_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := FromEnv()
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads every setting without touching the filesystem.
func FromEnv() *Config {
	return &Config{
		DataDir:   getEnv("QLOOP_DATA_DIR", "./data"),
		Port:      getEnvAsInt("PORT", 8080),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", true),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		DBDriver:  getEnv("DB_DRIVER", "sqlite"),
		Optimizer: OptimizerConfig{
			DefaultShots:      getEnvAsInt("DEFAULT_SHOTS", 1024),
			MaxIterations:     getEnvAsInt("MAX_ITERATIONS", 100),
			StallIterations:   getEnvAsInt("STALL_ITERATIONS", 20),
			StallTolerance:    getEnvAsFloat("STALL_TOLERANCE", 1e-4),
			EvaluationRepeats: getEnvAsInt("EVALUATION_REPEATS", 1),
		},
		Backend: BackendConfig{
			SimulatorSeed:       uint64(getEnvAsInt("SIMULATOR_SEED", 0)),
			SimulatorMaxQubits:  getEnvAsInt("SIMULATOR_MAX_QUBITS", 16),
			ReadoutError:        getEnvAsFloat("READOUT_ERROR", 0),
			RemoteDeviceURL:     getEnv("REMOTE_DEVICE_URL", ""),
			RemoteTimeout:       getEnvAsDuration("REMOTE_TIMEOUT", 30*time.Second),
			RemotePollInterval:  getEnvAsDuration("REMOTE_POLL_INTERVAL", 100*time.Millisecond),
			RetryMaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			RetryInitialBackoff: getEnvAsDuration("RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
			RetryMaxBackoff:     getEnvAsDuration("RETRY_MAX_BACKOFF", 5*time.Second),
			ClientCredits:       int64(getEnvAsInt("CLIENT_CREDITS", 1_000_000)),
			CreditsPerShot:      int64(getEnvAsInt("CREDITS_PER_SHOT", 1)),
		},
		Device: DeviceConfig{
			Credits:              int64(getEnvAsInt("DEVICE_CREDITS", 1_000_000)),
			Workers:              getEnvAsInt("DEVICE_WORKERS", 2),
			QueueSize:            getEnvAsInt("DEVICE_QUEUE_SIZE", 64),
			CreditRefillSchedule: getEnv("CREDIT_REFILL_SCHEDULE", "0 0 * * * *"), // Hourly
			CreditRefillAmount:   int64(getEnvAsInt("CREDIT_REFILL_AMOUNT", 100_000)),
		},
		Batch: BatchConfig{
			Policy:      getEnv("BATCH_POLICY", "excludeFailedNodes"),
			Concurrency: getEnvAsInt("BATCH_CONCURRENCY", 0),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 30 3 * * *"), // Daily at 03:30
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			Region:          getEnv("BACKUP_REGION", "auto"),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			Retention:       getEnvAsInt("BACKUP_RETENTION", 14),
		},
		RunRetention: getEnvAsDuration("RUN_RETENTION", 30*24*time.Hour),
	}
}

// Validate checks ranges and required combinations
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return domain.NewConfigurationError("PORT must be in [1, 65535], got %d", c.Port)
	case c.DBDriver != "sqlite" && c.DBDriver != "sqlite3":
		return domain.NewConfigurationError("DB_DRIVER must be sqlite or sqlite3, got %q", c.DBDriver)
	case c.Optimizer.DefaultShots < 1:
		return domain.NewConfigurationError("DEFAULT_SHOTS must be at least 1, got %d", c.Optimizer.DefaultShots)
	case c.Optimizer.MaxIterations < 1:
		return domain.NewConfigurationError("MAX_ITERATIONS must be at least 1, got %d", c.Optimizer.MaxIterations)
	case c.Optimizer.StallIterations < 0:
		return domain.NewConfigurationError("STALL_ITERATIONS must not be negative")
	case c.Optimizer.StallTolerance < 0:
		return domain.NewConfigurationError("STALL_TOLERANCE must not be negative")
	case c.Optimizer.EvaluationRepeats < 1:
		return domain.NewConfigurationError("EVALUATION_REPEATS must be at least 1")
	case c.Backend.ReadoutError < 0 || c.Backend.ReadoutError > 1:
		return domain.NewConfigurationError("READOUT_ERROR must be in [0, 1]")
	case c.Backend.RetryMaxAttempts < 1:
		return domain.NewConfigurationError("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Backend.RetryMaxAttempts)
	case c.Backend.CreditsPerShot < 0:
		return domain.NewConfigurationError("CREDITS_PER_SHOT must not be negative")
	case c.Device.Workers < 1:
		return domain.NewConfigurationError("DEVICE_WORKERS must be at least 1")
	case c.Device.QueueSize < 1:
		return domain.NewConfigurationError("DEVICE_QUEUE_SIZE must be at least 1")
	case c.Batch.Policy != "excludeFailedNodes" && c.Batch.Policy != "failBatchOnAnyFailure":
		return domain.NewConfigurationError("BATCH_POLICY must be excludeFailedNodes or failBatchOnAnyFailure, got %q", c.Batch.Policy)
	case c.Batch.Concurrency < 0:
		return domain.NewConfigurationError("BATCH_CONCURRENCY must not be negative")
	}
	if c.Backup.Enabled && (c.Backup.Bucket == "" || c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "") {
		return domain.NewConfigurationError("BACKUP_ENABLED requires BACKUP_BUCKET, BACKUP_ACCESS_KEY_ID and BACKUP_SECRET_ACCESS_KEY")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

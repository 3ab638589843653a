package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/aristath/qloop/internal/database"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/device"
	"github.com/aristath/qloop/internal/modules/runs"
	"github.com/aristath/qloop/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatsResponse is returned by GET /api/system/stats
type SystemStatsResponse struct {
	Status        string               `json:"status"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	CPUPercent    float64              `json:"cpu_percent"`
	MemoryPercent float64              `json:"memory_percent"`
	Goroutines    int                  `json:"goroutines"`
	ActiveRuns    int                  `json:"active_runs"`
	Device        *device.Status       `json:"device,omitempty"`
	Remote        *backend.RemoteStats `json:"remote,omitempty"`
	Jobs          []string             `json:"jobs"`
	LastChecked   string               `json:"last_checked"`
}

// DatabaseStatsResponse is returned by GET /api/system/database
type DatabaseStatsResponse struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Stats       *database.Stats `json:"stats"`
	LastChecked string          `json:"last_checked"`
}

// DiskUsageResponse is returned by GET /api/system/disk
type DiskUsageResponse struct {
	DataDirMB   float64 `json:"data_dir_mb"`
	StagingMB   float64 `json:"staging_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// JobStatus describes a registered job
type JobStatus struct {
	Name        string `json:"name"`
	Triggerable bool   `json:"triggerable"`
}

// SystemHandlers serves monitoring and maintenance endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	runsDB      *database.DB
	runService  *runs.Service
	device      *device.Service
	remote      *backend.RemoteDevice // nil when not configured
	scheduler   *scheduler.Scheduler

	mu   sync.RWMutex
	jobs map[string]scheduler.Job
}

// NewSystemHandlers creates system handlers. remote may be nil.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	runsDB *database.DB,
	runService *runs.Service,
	deviceService *device.Service,
	remote *backend.RemoteDevice,
	sched *scheduler.Scheduler,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		runsDB:      runsDB,
		runService:  runService,
		device:      deviceService,
		remote:      remote,
		scheduler:   sched,
		jobs:        make(map[string]scheduler.Job),
	}
}

// SetJobs registers jobs that can be triggered on demand. Nil jobs are skipped.
func (h *SystemHandlers) SetJobs(jobs ...scheduler.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, job := range jobs {
		if job != nil {
			h.jobs[job.Name()] = job
		}
	}
}

// HandleSystemStats returns process, device and scheduler state
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	response := SystemStatsResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
		Jobs:          []string{},
		LastChecked:   time.Now().Format(time.RFC3339),
	}
	if h.runService != nil {
		response.ActiveRuns = h.runService.Active()
	}
	if h.device != nil {
		status := h.device.Status()
		response.Device = &status
	}
	if h.remote != nil {
		stats := h.remote.Stats()
		response.Remote = &stats
	}
	if h.scheduler != nil {
		response.Jobs = h.scheduler.Jobs()
	}
	if h.runsDB != nil {
		if err := h.runsDB.HealthCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Runs database unhealthy")
			response.Status = "degraded"
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleDatabaseStats returns runs database statistics
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runsDB.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get database stats")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get database stats"})
		return
	}

	h.writeJSON(w, http.StatusOK, DatabaseStatsResponse{
		Name:        h.runsDB.Name(),
		Path:        h.runsDB.Path(),
		Stats:       stats,
		LastChecked: time.Now().Format(time.RFC3339),
	})
}

// HandleDiskUsage returns data directory sizes and free space
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	response := DiskUsageResponse{
		DataDirMB: h.getDirSize(h.dataDir),
		StagingMB: h.getDirSize(filepath.Join(h.dataDir, "backup-staging")),
	}
	if usage, err := disk.Usage(h.dataDir); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get disk usage")
	} else {
		response.FreeMB = float64(usage.Free) / 1024 / 1024
		response.UsedPercent = usage.UsedPercent
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleJobsStatus lists scheduled jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var names []string
	if h.scheduler != nil {
		names = h.scheduler.Jobs()
	}
	seen := make(map[string]bool, len(names))
	out := make([]JobStatus, 0, len(names)+len(h.jobs))
	for _, name := range names {
		_, ok := h.jobs[name]
		out = append(out, JobStatus{Name: name, Triggerable: ok})
		seen[name] = true
	}
	for name := range h.jobs {
		if !seen[name] {
			out = append(out, JobStatus{Name: name, Triggerable: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

// HandleTriggerJob runs a registered job immediately
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.mu.RLock()
	job, ok := h.jobs[name]
	h.mu.RUnlock()
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job: " + name})
		return
	}

	start := time.Now()
	if err := h.scheduler.RunNow(job); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Triggered job failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"job":    name,
			"error":  err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"job":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats samples CPU over 100ms so the endpoint stays responsive
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

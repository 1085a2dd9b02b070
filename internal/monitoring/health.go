package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// lowSpaceThreshold marks the download volume as degraded.
const lowSpaceThreshold = 200 << 20

// HealthCheck represents a health check response
type HealthCheck struct {
	Status          HealthStatus     `json:"status"`
	Version         string           `json:"version"`
	Uptime          int64            `json:"uptime"`
	UptimeHuman     string           `json:"uptime_human"`
	QueuedDownloads int              `json:"queued_downloads"`
	ActiveDownloads int              `json:"active_downloads"`
	MemoryUsageMB   uint64           `json:"memory_usage_mb"`
	DatabaseStatus  string           `json:"database_status"`
	Checks          map[string]Check `json:"checks"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SpaceReporter reports free space on the download volume.
type SpaceReporter interface {
	AvailableSpace() (int64, error)
}

// HealthChecker performs health checks
type HealthChecker struct {
	version   string
	startTime time.Time
	db        *sql.DB
	storage   SpaceReporter
}

// NewHealthChecker creates a new health checker. storage may be nil.
func NewHealthChecker(version string, db *sql.DB, storage SpaceReporter) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		db:        db,
		storage:   storage,
	}
}

// Check performs all health checks and returns the result
func (h *HealthChecker) Check(ctx context.Context, queued, active int) *HealthCheck {
	checks := make(map[string]Check)
	overallStatus := HealthStatusHealthy

	degrade := func(status string) {
		switch {
		case status == "unhealthy":
			overallStatus = HealthStatusUnhealthy
		case status == "degraded" && overallStatus == HealthStatusHealthy:
			overallStatus = HealthStatusDegraded
		}
	}

	dbCheck := h.checkDatabase(ctx)
	checks["database"] = dbCheck
	degrade(dbCheck.Status)

	if h.storage != nil {
		storageCheck := h.checkStorage()
		checks["storage"] = storageCheck
		degrade(storageCheck.Status)
	}

	memCheck := h.checkMemory()
	checks["memory"] = memCheck
	degrade(memCheck.Status)

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "connected"
	if dbCheck.Status != "healthy" {
		dbStatus = "disconnected"
	}

	return &HealthCheck{
		Status:          overallStatus,
		Version:         h.version,
		Uptime:          int64(uptime.Seconds()),
		UptimeHuman:     formatDuration(uptime),
		QueuedDownloads: queued,
		ActiveDownloads: active,
		MemoryUsageMB:   m.Alloc / 1024 / 1024,
		DatabaseStatus:  dbStatus,
		Checks:          checks,
		Timestamp:       time.Now(),
	}
}

// checkDatabase checks database connectivity
func (h *HealthChecker) checkDatabase(ctx context.Context) Check {
	if h.db == nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database connection not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database ping failed: " + err.Error(),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Database connection is healthy",
	}
}

// checkStorage checks free space on the download volume
func (h *HealthChecker) checkStorage() Check {
	free, err := h.storage.AvailableSpace()
	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Cannot read free space: " + err.Error(),
		}
	}

	message := humanize.IBytes(uint64(free)) + " available"
	if free < lowSpaceThreshold {
		return Check{Status: "degraded", Message: message}
	}
	return Check{Status: "healthy", Message: message}
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := m.Alloc / 1024 / 1024

	const (
		warningThresholdMB  = 256
		criticalThresholdMB = 512
	)

	if memoryMB > criticalThresholdMB {
		return Check{
			Status:  "unhealthy",
			Message: "Memory usage is critically high",
		}
	}

	if memoryMB > warningThresholdMB {
		return Check{
			Status:  "degraded",
			Message: "Memory usage is elevated",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Memory usage is normal",
	}
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

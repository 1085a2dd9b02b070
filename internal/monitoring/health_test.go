package monitoring

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type fakeSpace struct {
	free int64
	err  error
}

func (f fakeSpace) AvailableSpace() (int64, error) {
	return f.free, f.err
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHealthCheckHealthy(t *testing.T) {
	healthChecker := NewHealthChecker("1.0.0", openMemoryDB(t), fakeSpace{free: 10 << 30})

	healthCheck := healthChecker.Check(context.Background(), 3, 1)

	if healthCheck.Status != HealthStatusHealthy {
		t.Errorf("Expected status healthy, got %s (%+v)", healthCheck.Status, healthCheck.Checks)
	}
	if healthCheck.QueuedDownloads != 3 || healthCheck.ActiveDownloads != 1 {
		t.Errorf("Unexpected counts: %+v", healthCheck)
	}
	if healthCheck.DatabaseStatus != "connected" {
		t.Errorf("Expected database status connected, got %s", healthCheck.DatabaseStatus)
	}
	if _, ok := healthCheck.Checks["storage"]; !ok {
		t.Error("Storage check not found")
	}
}

func TestHealthCheckLowSpaceDegraded(t *testing.T) {
	healthChecker := NewHealthChecker("1.0.0", openMemoryDB(t), fakeSpace{free: 1 << 20})

	healthCheck := healthChecker.Check(context.Background(), 0, 0)

	if healthCheck.Status != HealthStatusDegraded {
		t.Errorf("Expected status degraded, got %s", healthCheck.Status)
	}
	if healthCheck.Checks["storage"].Status != "degraded" {
		t.Errorf("Expected storage check degraded, got %s", healthCheck.Checks["storage"].Status)
	}
}

func TestHealthCheckUnhealthy(t *testing.T) {
	healthChecker := NewHealthChecker("1.0.0", nil, fakeSpace{err: errors.New("statfs failed")})

	healthCheck := healthChecker.Check(context.Background(), 0, 0)

	if healthCheck.Status != HealthStatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", healthCheck.Status)
	}
	if healthCheck.DatabaseStatus != "disconnected" {
		t.Errorf("Expected database status disconnected, got %s", healthCheck.DatabaseStatus)
	}
	if healthCheck.Checks["storage"].Status != "unhealthy" {
		t.Errorf("Expected storage check unhealthy, got %s", healthCheck.Checks["storage"].Status)
	}
}

func TestHealthCheckTimestamp(t *testing.T) {
	healthChecker := NewHealthChecker("1.0.0", openMemoryDB(t), nil)

	before := time.Now()
	healthCheck := healthChecker.Check(context.Background(), 0, 0)
	after := time.Now()

	if healthCheck.Timestamp.Before(before) || healthCheck.Timestamp.After(after) {
		t.Error("Health check timestamp is not within expected range")
	}
	if _, ok := healthCheck.Checks["storage"]; ok {
		t.Error("Storage check should be skipped without a reporter")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{3661 * time.Second, "1h 1m 1s"},
		{90061 * time.Second, "1d 1h 1m 1s"},
	}

	for _, tt := range tests {
		if result := formatDuration(tt.duration); result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.duration, result, tt.expected)
		}
	}
}

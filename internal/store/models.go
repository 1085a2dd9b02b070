package store

import "time"

// DownloadStatus is the ledger state of one download attempt.
type DownloadStatus string

const (
	StatusQueued    DownloadStatus = "QUEUED"
	StatusRunning   DownloadStatus = "RUNNING"
	StatusPaused    DownloadStatus = "PAUSED"
	StatusFailed    DownloadStatus = "FAILED"
	StatusCompleted DownloadStatus = "COMPLETED"
)

// AllStatuses lists every ledger status in lifecycle order.
var AllStatuses = []DownloadStatus{StatusQueued, StatusRunning, StatusPaused, StatusFailed, StatusCompleted}

// Valid reports whether s is a known status.
func (s DownloadStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s DownloadStatus) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Track is a catalog row.
type Track struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album"`
	DurationMs   int64     `json:"duration_ms"`
	StreamURL    string    `json:"stream_url"`
	CoverURL     string    `json:"cover_url"`
	Tags         string    `json:"tags,omitempty"`
	Checksum     string    `json:"checksum,omitempty"` // trusted content digest, optional
	Featured     bool      `json:"featured"`
	IsDownloaded bool      `json:"is_downloaded"`
	LocalPath    string    `json:"local_path,omitempty"` // set iff IsDownloaded
	PlayCount    int       `json:"play_count"`
	LastPlayedAt time.Time `json:"last_played_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Download is a ledger row.
type Download struct {
	ID               int64          `json:"id"`
	TrackID          string         `json:"track_id"`
	Status           DownloadStatus `json:"status"`
	Progress         int            `json:"progress"`
	BytesTransferred int64          `json:"bytes_transferred"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"` // zero until terminal
	JobHandle        string         `json:"job_handle,omitempty"`
}

// StatusCounts holds the number of ledger rows per status.
type StatusCounts map[DownloadStatus]int

// Total returns the number of rows across all statuses.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Playlist is a user-created playlist.
type Playlist struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	TrackCount int       `json:"track_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Timestamps are stored as unix milliseconds with 0 meaning unset.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

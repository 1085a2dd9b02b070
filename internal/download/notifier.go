package download

import (
	"encoding/json"
	"sync"
	"time"
)

// ProgressSink receives transfer events from the engine.
type ProgressSink interface {
	NotifyStarted(trackID string)
	NotifyProgress(trackID string, progress int, bytesProcessed, totalBytes int64)
	NotifyCompleted(trackID string)
	NotifyFailed(trackID string, reason string)
}

type noopSink struct{}

func (noopSink) NotifyStarted(string)                     {}
func (noopSink) NotifyProgress(string, int, int64, int64) {}
func (noopSink) NotifyCompleted(string)                   {}
func (noopSink) NotifyFailed(string, string)              {}

// ProgressUpdate represents a progress update message
type ProgressUpdate struct {
	TrackID        string    `json:"track_id"`
	Progress       int       `json:"progress"`
	BytesProcessed int64     `json:"bytes_processed"`
	TotalBytes     int64     `json:"total_bytes"`      // -1 when unknown
	Speed          float64   `json:"speed"`            // bytes per second
	ETA            int       `json:"eta"`              // seconds remaining
	Timestamp      time.Time `json:"timestamp"`
}

// StatusUpdate represents a status change message
type StatusUpdate struct {
	TrackID   string    `json:"track_id"`
	Status    string    `json:"status"` // started, completed, failed
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a notification message
type Message struct {
	Type    string `json:"type"` // progress, status
	Payload any    `json:"payload"`
}

// Subscriber is one listener of the notifier, e.g. an event stream.
type Subscriber struct {
	ID       string
	SendChan chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewSubscriber creates a subscriber with a bounded buffer.
func NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:       id,
		SendChan: make(chan []byte, 256),
	}
}

// Send delivers data without blocking; it reports false when the buffer is
// full or the subscriber is closed.
func (s *Subscriber) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.SendChan <- data:
		return true
	default:
		return false
	}
}

// Close closes the send channel.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.SendChan)
	}
}

// DownloadStats tracks statistics for a running transfer
type DownloadStats struct {
	TrackID        string    `json:"track_id"`
	StartTime      time.Time `json:"start_time"`
	LastUpdate     time.Time `json:"last_update"`
	BytesProcessed int64     `json:"bytes_processed"`
	TotalBytes     int64     `json:"total_bytes"`
	Speed          float64   `json:"speed"`
	ETA            int       `json:"eta"`
}

// Summary holds totals since the notifier was created.
type Summary struct {
	ActiveDownloads int     `json:"active_downloads"`
	TotalDownloads  int     `json:"total_downloads"`
	SuccessCount    int     `json:"success_count"`
	FailureCount    int     `json:"failure_count"`
	SuccessRate     float64 `json:"success_rate"`
}

// ProgressNotifier fans transfer events out to subscribers and keeps
// per-transfer speed and ETA.
type ProgressNotifier struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex

	stats          map[string]*DownloadStats
	statsMu        sync.Mutex
	successCount   int
	failureCount   int
	totalDownloads int

	now func() time.Time
}

// NewProgressNotifier creates a new progress notifier
func NewProgressNotifier() *ProgressNotifier {
	return &ProgressNotifier{
		subscribers: make(map[string]*Subscriber),
		stats:       make(map[string]*DownloadStats),
		now:         time.Now,
	}
}

// Register adds a subscriber.
func (pn *ProgressNotifier) Register(s *Subscriber) {
	pn.mu.Lock()
	pn.subscribers[s.ID] = s
	pn.mu.Unlock()
}

// Unregister removes and closes a subscriber.
func (pn *ProgressNotifier) Unregister(s *Subscriber) {
	pn.mu.Lock()
	if _, ok := pn.subscribers[s.ID]; ok {
		delete(pn.subscribers, s.ID)
		s.Close()
	}
	pn.mu.Unlock()
}

// SubscriberCount returns the number of registered subscribers
func (pn *ProgressNotifier) SubscriberCount() int {
	pn.mu.RLock()
	defer pn.mu.RUnlock()
	return len(pn.subscribers)
}

func (pn *ProgressNotifier) broadcast(msgType string, payload any) {
	data, err := json.Marshal(&Message{Type: msgType, Payload: payload})
	if err != nil {
		return
	}

	pn.mu.RLock()
	defer pn.mu.RUnlock()
	for _, s := range pn.subscribers {
		s.Send(data)
	}
}

// NotifyStarted implements ProgressSink.
func (pn *ProgressNotifier) NotifyStarted(trackID string) {
	now := pn.now()

	pn.statsMu.Lock()
	pn.stats[trackID] = &DownloadStats{
		TrackID:    trackID,
		StartTime:  now,
		LastUpdate: now,
		TotalBytes: -1,
	}
	pn.totalDownloads++
	pn.statsMu.Unlock()

	pn.broadcast("status", &StatusUpdate{TrackID: trackID, Status: "started", Timestamp: now})
}

// NotifyProgress implements ProgressSink.
func (pn *ProgressNotifier) NotifyProgress(trackID string, progress int, bytesProcessed, totalBytes int64) {
	now := pn.now()

	pn.statsMu.Lock()
	stats, ok := pn.stats[trackID]
	if !ok {
		stats = &DownloadStats{TrackID: trackID, StartTime: now, LastUpdate: now}
		pn.stats[trackID] = stats
	}

	if elapsed := now.Sub(stats.LastUpdate).Seconds(); elapsed > 0 {
		stats.Speed = float64(bytesProcessed-stats.BytesProcessed) / elapsed
	}
	stats.BytesProcessed = bytesProcessed
	stats.TotalBytes = totalBytes
	stats.LastUpdate = now

	stats.ETA = 0
	if stats.Speed > 0 && totalBytes > 0 {
		stats.ETA = int(float64(totalBytes-bytesProcessed) / stats.Speed)
	}

	update := &ProgressUpdate{
		TrackID:        trackID,
		Progress:       progress,
		BytesProcessed: bytesProcessed,
		TotalBytes:     totalBytes,
		Speed:          stats.Speed,
		ETA:            stats.ETA,
		Timestamp:      now,
	}
	pn.statsMu.Unlock()

	pn.broadcast("progress", update)
}

// NotifyCompleted implements ProgressSink.
func (pn *ProgressNotifier) NotifyCompleted(trackID string) {
	pn.statsMu.Lock()
	delete(pn.stats, trackID)
	pn.successCount++
	pn.statsMu.Unlock()

	pn.broadcast("status", &StatusUpdate{TrackID: trackID, Status: "completed", Timestamp: pn.now()})
}

// NotifyFailed implements ProgressSink.
func (pn *ProgressNotifier) NotifyFailed(trackID string, reason string) {
	pn.statsMu.Lock()
	delete(pn.stats, trackID)
	pn.failureCount++
	pn.statsMu.Unlock()

	pn.broadcast("status", &StatusUpdate{TrackID: trackID, Status: "failed", Error: reason, Timestamp: pn.now()})
}

// Summary returns overall download statistics
func (pn *ProgressNotifier) Summary() Summary {
	pn.statsMu.Lock()
	defer pn.statsMu.Unlock()

	s := Summary{
		ActiveDownloads: len(pn.stats),
		TotalDownloads:  pn.totalDownloads,
		SuccessCount:    pn.successCount,
		FailureCount:    pn.failureCount,
	}
	if pn.totalDownloads > 0 {
		s.SuccessRate = float64(pn.successCount) / float64(pn.totalDownloads) * 100
	}
	return s
}

// Stats returns a copy of the statistics of one running transfer, or nil.
func (pn *ProgressNotifier) Stats(trackID string) *DownloadStats {
	pn.statsMu.Lock()
	defer pn.statsMu.Unlock()

	if s, ok := pn.stats[trackID]; ok {
		c := *s
		return &c
	}
	return nil
}

// AllStats returns copies of the statistics of all running transfers.
func (pn *ProgressNotifier) AllStats() []*DownloadStats {
	pn.statsMu.Lock()
	defer pn.statsMu.Unlock()

	stats := make([]*DownloadStats, 0, len(pn.stats))
	for _, s := range pn.stats {
		c := *s
		stats = append(stats, &c)
	}
	return stats
}

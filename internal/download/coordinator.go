package download

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/storage"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// User-facing coordinator messages.
const (
	MsgStartFailed    = "Failed to start download"
	MsgDeleteFailed   = "Failed to delete download"
	MsgNotActive      = "Download is not active"
	MsgNotPaused      = "Download is not paused"
	MsgNoDownload     = "No download for this track"
	ReasonCancelled   = "Cancelled"
	ReasonFileMissing = "Downloaded file is missing"
)

// CoordinatorConfig holds the job runner settings.
type CoordinatorConfig struct {
	Workers      int
	Retry        apperrors.RetryConfig
	StaleTempAge time.Duration
}

// ReconcileReport summarizes a startup repair pass.
type ReconcileReport struct {
	Reset       int64 `json:"reset"`
	Repaired    int   `json:"repaired"`
	Cleared     int   `json:"cleared"`
	Missing     int   `json:"missing"`
	Rescheduled int   `json:"rescheduled"`
}

// SweepReport summarizes removed download directory artifacts.
type SweepReport struct {
	ZeroByte  int `json:"zero_byte"`
	StaleTemp int `json:"stale_temp"`
	Orphans   int `json:"orphans"`
}

// Coordinator is the entry point for starting, stopping and deleting
// downloads. It owns the job runner.
type Coordinator struct {
	tracks       *store.TrackStore
	downloads    *store.DownloadStore
	storage      *storage.Gateway
	engine       *Engine
	pool         *WorkerPool
	staleTempAge time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// RetryPolicyFrom turns a backoff configuration into a job retry policy.
func RetryPolicyFrom(cfg apperrors.RetryConfig) RetryPolicy {
	return func(attempt int) (time.Duration, bool) {
		if attempt > cfg.MaxRetries {
			return 0, false
		}
		return cfg.Backoff(attempt - 1), true
	}
}

// NewCoordinator creates a coordinator. Call Start before scheduling.
func NewCoordinator(
	tracks *store.TrackStore,
	downloads *store.DownloadStore,
	gateway *storage.Gateway,
	engine *Engine,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		tracks:       tracks,
		downloads:    downloads,
		storage:      gateway,
		engine:       engine,
		staleTempAge: cfg.StaleTempAge,
		logger:       logger,
		now:          time.Now,
	}
	c.pool = NewWorkerPool(cfg.Workers, c.runJob, RetryPolicyFrom(cfg.Retry), logger)
	return c
}

// Start starts the job runner.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.pool.Start(ctx)
}

// Stop cancels running jobs and waits for the workers. Rows of cancelled
// transfers stay RUNNING and are reset by the next Reconcile.
func (c *Coordinator) Stop() {
	c.pool.Stop()
}

// Pool exposes the job runner.
func (c *Coordinator) Pool() *WorkerPool {
	return c.pool
}

func (c *Coordinator) runJob(ctx context.Context, job *Job) Outcome {
	if job.Attempt > 0 {
		ok, err := c.downloads.Requeue(ctx, job.DownloadID)
		if err != nil {
			c.logger.Error("Failed to requeue download", zap.Int64("download_id", job.DownloadID), zap.Error(err))
		}
		if !ok {
			return Outcome{Kind: OutcomeCancelled}
		}
	}

	outcome := c.engine.Run(ctx, job.TrackID, job.DownloadID)
	c.RefreshMetrics(context.WithoutCancel(ctx))
	return outcome
}

// StartDownload queues a download of trackID and returns the new ledger
// row id.
func (c *Coordinator) StartDownload(ctx context.Context, trackID string) (int64, error) {
	if err := storage.ValidateTrackID(trackID); err != nil {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s: %s", MsgStartFailed, apperrors.GetUserMessage(err)))
	}

	if _, err := c.tracks.GetByID(ctx, trackID); err != nil {
		if apperrors.IsNotFound(err) {
			return 0, apperrors.NewNotFoundError(MsgStartFailed + ": track not found")
		}
		return 0, apperrors.NewDatabaseError(MsgStartFailed, err)
	}

	d, err := c.downloads.InsertQueued(ctx, trackID, c.now())
	if err != nil {
		if apperrors.IsCoordinationError(err) {
			return 0, err
		}
		return 0, apperrors.NewDatabaseError(MsgStartFailed, err)
	}

	if err := c.schedule(ctx, d.ID, trackID); err != nil {
		if _, ferr := c.downloads.FailActive(context.WithoutCancel(ctx), d.ID, err.Error(), c.now()); ferr != nil {
			c.logger.Error("Failed to record scheduling failure", zap.Error(ferr))
		}
		return 0, apperrors.NewPreconditionError(fmt.Sprintf("%s: %v", MsgStartFailed, err))
	}

	c.logger.Info("Download queued", zap.String("track_id", trackID), zap.Int64("download_id", d.ID))
	c.RefreshMetrics(ctx)
	return d.ID, nil
}

func (c *Coordinator) schedule(ctx context.Context, downloadID int64, trackID string) error {
	job, err := c.pool.Submit(trackID, downloadID)
	if err != nil {
		return err
	}
	if err := c.downloads.SetJobHandle(ctx, downloadID, job.Handle); err != nil {
		c.logger.Warn("Failed to record job handle", zap.Int64("download_id", downloadID), zap.Error(err))
	}
	return nil
}

// DeleteDownload cancels any transfer of trackID, removes its ledger rows,
// clears the catalog flag and deletes its files. The database change is
// kept even when file removal fails; Sweep removes leftovers.
func (c *Coordinator) DeleteDownload(ctx context.Context, trackID string) error {
	if err := storage.ValidateTrackID(trackID); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("%s: %s", MsgDeleteFailed, apperrors.GetUserMessage(err)))
	}

	if d, err := c.downloads.GetByTrack(ctx, trackID); err == nil && d.JobHandle != "" {
		c.pool.CancelJob(d.JobHandle)
	}

	removed, err := c.downloads.RemoveForTrack(ctx, trackID)
	if err != nil {
		return apperrors.NewDatabaseError(MsgDeleteFailed, err)
	}

	if !c.storage.DeleteMediaAndCover(trackID) {
		c.logger.Warn("Files of deleted download could not be removed", zap.String("track_id", trackID))
	}

	c.logger.Info("Download deleted", zap.String("track_id", trackID), zap.Int64("rows", removed))
	c.RefreshMetrics(ctx)
	return nil
}

// CancelDownload stops an active download and marks it FAILED so it can be
// started again.
func (c *Coordinator) CancelDownload(ctx context.Context, trackID string) error {
	d, err := c.activeRow(ctx, trackID)
	if err != nil {
		return err
	}

	if err := c.stopJob(ctx, d.JobHandle); err != nil {
		return err
	}

	if _, err := c.downloads.FailActive(ctx, d.ID, ReasonCancelled, c.now()); err != nil {
		return apperrors.NewDatabaseError("Failed to cancel download", err)
	}

	c.logger.Info("Download cancelled", zap.String("track_id", trackID), zap.Int64("download_id", d.ID))
	c.RefreshMetrics(ctx)
	return nil
}

// PauseDownload moves an active download to PAUSED and waits for its
// transfer to stop.
func (c *Coordinator) PauseDownload(ctx context.Context, trackID string) error {
	d, err := c.activeRow(ctx, trackID)
	if err != nil {
		return err
	}

	ok, err := c.downloads.Transition(ctx, d.ID, store.StatusPaused, store.StatusQueued, store.StatusRunning)
	if err != nil {
		return apperrors.NewDatabaseError("Failed to pause download", err)
	}
	if !ok {
		return apperrors.NewCoordinationError(MsgNotActive)
	}

	if err := c.stopJob(ctx, d.JobHandle); err != nil {
		return err
	}

	c.logger.Info("Download paused", zap.String("track_id", trackID), zap.Int64("download_id", d.ID))
	c.RefreshMetrics(ctx)
	return nil
}

// ResumeDownload requeues a PAUSED download. The transfer starts over.
func (c *Coordinator) ResumeDownload(ctx context.Context, trackID string) (int64, error) {
	d, err := c.downloads.GetByTrack(ctx, trackID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return 0, apperrors.NewNotFoundError(MsgNoDownload)
		}
		return 0, apperrors.NewDatabaseError("Failed to resume download", err)
	}

	ok, err := c.downloads.Transition(ctx, d.ID, store.StatusQueued, store.StatusPaused)
	if err != nil {
		return 0, apperrors.NewDatabaseError("Failed to resume download", err)
	}
	if !ok {
		return 0, apperrors.NewCoordinationError(MsgNotPaused)
	}

	if err := c.schedule(ctx, d.ID, trackID); err != nil {
		c.downloads.Transition(context.WithoutCancel(ctx), d.ID, store.StatusPaused, store.StatusQueued)
		return 0, apperrors.NewPreconditionError(fmt.Sprintf("Failed to resume download: %v", err))
	}

	c.logger.Info("Download resumed", zap.String("track_id", trackID), zap.Int64("download_id", d.ID))
	c.RefreshMetrics(ctx)
	return d.ID, nil
}

// RetryFailed requeues the newest FAILED attempt of every track that has
// no other attempt in flight and returns how many were scheduled.
func (c *Coordinator) RetryFailed(ctx context.Context) (int, error) {
	failed, err := c.downloads.ListByStatus(ctx, store.StatusFailed)
	if err != nil {
		return 0, apperrors.NewDatabaseError("Failed to list failed downloads", err)
	}

	scheduled := 0
	for _, d := range failed {
		ok, err := c.downloads.Requeue(ctx, d.ID)
		if err != nil {
			return scheduled, apperrors.NewDatabaseError("Failed to retry download", err)
		}
		if !ok {
			continue
		}
		if err := c.schedule(ctx, d.ID, d.TrackID); err != nil {
			c.downloads.FailActive(context.WithoutCancel(ctx), d.ID, err.Error(), c.now())
			return scheduled, apperrors.NewPreconditionError(fmt.Sprintf("Failed to retry download: %v", err))
		}
		scheduled++
	}

	if scheduled > 0 {
		c.logger.Info("Retrying failed downloads", zap.Int("count", scheduled))
		c.RefreshMetrics(ctx)
	}
	return scheduled, nil
}

// Reconcile repairs state left by a process that died mid-transfer. When
// reschedule is set, QUEUED rows are handed to the job runner.
func (c *Coordinator) Reconcile(ctx context.Context, reschedule bool) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	reset, err := c.downloads.ResetInterrupted(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("Failed to reset interrupted downloads", err)
	}
	report.Reset = reset

	completed, err := c.downloads.ListByStatus(ctx, store.StatusCompleted)
	if err != nil {
		return nil, apperrors.NewDatabaseError("Failed to list completed downloads", err)
	}
	for _, d := range completed {
		path, err := c.storage.MediaPath(d.TrackID)
		if err != nil {
			continue
		}
		track, err := c.tracks.GetByID(ctx, d.TrackID)
		if err != nil {
			continue
		}

		if c.storage.Exists(path) {
			if !track.IsDownloaded || track.LocalPath != path {
				if err := c.tracks.SetDownloaded(ctx, track.ID, path); err != nil {
					return nil, apperrors.NewDatabaseError("Failed to repair catalog", err)
				}
				report.Repaired++
			}
			continue
		}

		if err := c.downloads.SetFailed(ctx, d.ID, ReasonFileMissing, c.now()); err != nil {
			return nil, apperrors.NewDatabaseError("Failed to mark missing download", err)
		}
		report.Missing++
	}

	downloaded, err := c.tracks.ListDownloaded(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("Failed to list downloaded tracks", err)
	}
	for _, track := range downloaded {
		if !c.storage.Exists(track.LocalPath) {
			if err := c.tracks.ClearDownloaded(ctx, track.ID); err != nil {
				return nil, apperrors.NewDatabaseError("Failed to clear catalog flag", err)
			}
			report.Cleared++
		}
	}

	if reschedule {
		active, err := c.downloads.ListActive(ctx)
		if err != nil {
			return nil, apperrors.NewDatabaseError("Failed to list active downloads", err)
		}
		for _, d := range active {
			if d.JobHandle != "" && c.pool.IsJobActive(d.JobHandle) {
				continue
			}
			if err := c.schedule(ctx, d.ID, d.TrackID); err != nil {
				return report, apperrors.NewPreconditionError(fmt.Sprintf("Failed to reschedule download: %v", err))
			}
			report.Rescheduled++
		}
	}

	c.logger.Info("Reconciled downloads",
		zap.Int64("reset", report.Reset),
		zap.Int("repaired", report.Repaired),
		zap.Int("cleared", report.Cleared),
		zap.Int("missing", report.Missing),
		zap.Int("rescheduled", report.Rescheduled))
	c.RefreshMetrics(ctx)
	return report, nil
}

// PurgeCompleted removes every COMPLETED ledger row. Files and catalog
// flags are kept.
func (c *Coordinator) PurgeCompleted(ctx context.Context) (int64, error) {
	n, err := c.downloads.DeleteCompleted(ctx)
	if err != nil {
		return 0, apperrors.NewDatabaseError("Failed to purge completed downloads", err)
	}
	c.RefreshMetrics(ctx)
	return n, nil
}

// PurgeFailed removes every FAILED ledger row.
func (c *Coordinator) PurgeFailed(ctx context.Context) (int64, error) {
	n, err := c.downloads.DeleteFailed(ctx)
	if err != nil {
		return 0, apperrors.NewDatabaseError("Failed to purge failed downloads", err)
	}
	c.RefreshMetrics(ctx)
	return n, nil
}

// Sweep removes zero-byte files, stale temp files and media that no
// catalog row claims. Run it while no transfer is in flight.
func (c *Coordinator) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	n, err := c.storage.PurgeZeroByteArtifacts()
	if err != nil {
		return nil, err
	}
	report.ZeroByte = n

	if c.staleTempAge > 0 {
		if n, err = c.storage.PurgeStaleTempFiles(c.staleTempAge); err != nil {
			return nil, err
		}
		report.StaleTemp = n
	}

	ids, err := c.storage.MediaFiles()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		orphan, err := c.isOrphan(ctx, id)
		if err != nil {
			return nil, err
		}
		if orphan && c.storage.DeleteMediaAndCover(id) {
			report.Orphans++
		}
	}

	c.logger.Info("Swept download directory",
		zap.Int("zero_byte", report.ZeroByte),
		zap.Int("stale_temp", report.StaleTemp),
		zap.Int("orphans", report.Orphans))
	return report, nil
}

// isOrphan reports whether the media file of trackID belongs to nothing:
// no catalog row, or a catalog row that is neither downloaded nor being
// downloaded.
func (c *Coordinator) isOrphan(ctx context.Context, trackID string) (bool, error) {
	track, err := c.tracks.GetByID(ctx, trackID)
	if apperrors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseError("Failed to load track", err)
	}
	if track.IsDownloaded {
		return false, nil
	}

	d, err := c.downloads.GetByTrack(ctx, trackID)
	if apperrors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseError("Failed to load download", err)
	}
	return d.Status != store.StatusQueued && d.Status != store.StatusRunning, nil
}

// RefreshMetrics publishes the ledger row counts.
func (c *Coordinator) RefreshMetrics(ctx context.Context) {
	counts, err := c.downloads.Counts(ctx)
	if err != nil {
		c.logger.Debug("Failed to count ledger rows", zap.Error(err))
		return
	}
	byStatus := make(map[string]int, len(store.AllStatuses))
	for _, s := range store.AllStatuses {
		byStatus[string(s)] = counts[s]
	}
	monitoring.UpdateLedgerRows(byStatus)
}

func (c *Coordinator) activeRow(ctx context.Context, trackID string) (*store.Download, error) {
	d, err := c.downloads.GetByTrack(ctx, trackID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFoundError(MsgNoDownload)
		}
		return nil, apperrors.NewDatabaseError("Failed to load download", err)
	}
	if d.Status != store.StatusQueued && d.Status != store.StatusRunning {
		return nil, apperrors.NewCoordinationError(MsgNotActive)
	}
	return d, nil
}

// stopJob cancels the job with handle and waits until it has released its
// files.
func (c *Coordinator) stopJob(ctx context.Context, handle string) error {
	job, ok := c.pool.Job(handle)
	if !ok {
		return nil
	}
	job.cancel()

	select {
	case <-job.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

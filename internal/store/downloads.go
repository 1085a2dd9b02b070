package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

// ErrAlreadyActive is the user-facing message returned when a track
// already has a non-FAILED ledger row.
const ErrAlreadyActive = "Track is already downloaded or downloading"

const downloadColumns = `
	id, track_id, status, progress, bytes_transferred, failure_reason,
	started_at, finished_at, job_handle`

// DownloadStore is the download ledger. Every status mutation is a single
// statement against a single row.
type DownloadStore struct {
	db  *sql.DB
	hub *ChangeHub
}

// NewDownloadStore creates a new DownloadStore
func NewDownloadStore(db *sql.DB, hub *ChangeHub) *DownloadStore {
	return &DownloadStore{db: db, hub: hub}
}

// Insert writes d, updating any row with the same id in place. A zero id
// is assigned by the database and written back to d. A second non-FAILED
// row for the same track is refused.
func (ds *DownloadStore) Insert(ctx context.Context, d *Download) (int64, error) {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}

	var id any
	if d.ID != 0 {
		id = d.ID
	}

	result, err := ds.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, track_id, status, progress, bytes_transferred, failure_reason,
			started_at, finished_at, job_handle
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			track_id = excluded.track_id,
			status = excluded.status,
			progress = excluded.progress,
			bytes_transferred = excluded.bytes_transferred,
			failure_reason = excluded.failure_reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			job_handle = excluded.job_handle`,
		id,
		d.TrackID,
		d.Status,
		d.Progress,
		d.BytesTransferred,
		nullString(d.FailureReason),
		toMillis(d.StartedAt),
		toMillis(d.FinishedAt),
		d.JobHandle,
	)
	if err != nil {
		return 0, activeConflict(err, "failed to insert download")
	}

	if d.ID == 0 {
		if d.ID, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("failed to get download id: %w", err)
		}
	}

	ds.hub.Publish(TableDownloads)
	return d.ID, nil
}

// InsertQueued creates a QUEUED row for trackID unless the track already
// has a row in any status other than FAILED. Check and insert are one
// statement, so concurrent callers cannot both succeed.
func (ds *DownloadStore) InsertQueued(ctx context.Context, trackID string, startedAt time.Time) (*Download, error) {
	result, err := ds.db.ExecContext(ctx, `
		INSERT INTO downloads (track_id, status, progress, bytes_transferred, started_at)
		SELECT ?, ?, 0, 0, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM downloads WHERE track_id = ? AND status != ?
		)`,
		trackID, StatusQueued, toMillis(startedAt),
		trackID, StatusFailed,
	)
	if err != nil {
		return nil, activeConflict(err, "failed to queue download")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, apperrors.NewCoordinationError(ErrAlreadyActive)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get download id: %w", err)
	}

	ds.hub.Publish(TableDownloads)
	return &Download{
		ID:        id,
		TrackID:   trackID,
		Status:    StatusQueued,
		StartedAt: fromMillis(toMillis(startedAt)),
	}, nil
}

// Update overwrites every column of an existing row.
func (ds *DownloadStore) Update(ctx context.Context, d *Download) error {
	result, err := ds.db.ExecContext(ctx, `
		UPDATE downloads SET
			track_id = ?, status = ?, progress = ?, bytes_transferred = ?,
			failure_reason = ?, started_at = ?, finished_at = ?, job_handle = ?
		WHERE id = ?`,
		d.TrackID,
		d.Status,
		d.Progress,
		d.BytesTransferred,
		nullString(d.FailureReason),
		toMillis(d.StartedAt),
		toMillis(d.FinishedAt),
		d.JobHandle,
		d.ID,
	)
	if err != nil {
		return activeConflict(err, "failed to update download")
	}
	return ds.finishRowUpdate(result, d.ID)
}

// Delete removes one ledger row.
func (ds *DownloadStore) Delete(ctx context.Context, id int64) error {
	result, err := ds.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}
	return ds.finishRowUpdate(result, id)
}

// DeleteByTrack removes every ledger row of a track.
func (ds *DownloadStore) DeleteByTrack(ctx context.Context, trackID string) (int64, error) {
	return ds.deleteWhere(ctx, "track_id = ?", trackID)
}

// DeleteCompleted removes every COMPLETED row.
func (ds *DownloadStore) DeleteCompleted(ctx context.Context) (int64, error) {
	return ds.deleteWhere(ctx, "status = ?", StatusCompleted)
}

// DeleteFailed removes every FAILED row.
func (ds *DownloadStore) DeleteFailed(ctx context.Context) (int64, error) {
	return ds.deleteWhere(ctx, "status = ?", StatusFailed)
}

func (ds *DownloadStore) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	result, err := ds.db.ExecContext(ctx, "DELETE FROM downloads WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete downloads: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		ds.hub.Publish(TableDownloads)
	}
	return n, nil
}

// GetByID retrieves a ledger row by id
func (ds *DownloadStore) GetByID(ctx context.Context, id int64) (*Download, error) {
	row := ds.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE id = ?", id)

	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("download not found: %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// GetByTrack retrieves the latest ledger row of a track.
func (ds *DownloadStore) GetByTrack(ctx context.Context, trackID string) (*Download, error) {
	row := ds.db.QueryRowContext(ctx,
		"SELECT "+downloadColumns+" FROM downloads WHERE track_id = ? ORDER BY id DESC LIMIT 1", trackID)

	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no download for track: %s", trackID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// ListAll returns every row, newest first.
func (ds *DownloadStore) ListAll(ctx context.Context) ([]*Download, error) {
	return ds.query(ctx, "SELECT "+downloadColumns+" FROM downloads ORDER BY started_at DESC, id DESC")
}

// ListByStatus returns rows in status, newest first.
func (ds *DownloadStore) ListByStatus(ctx context.Context, status DownloadStatus) ([]*Download, error) {
	return ds.query(ctx,
		"SELECT "+downloadColumns+" FROM downloads WHERE status = ? ORDER BY started_at DESC, id DESC", status)
}

// ListActive returns QUEUED and RUNNING rows, oldest first.
func (ds *DownloadStore) ListActive(ctx context.Context) ([]*Download, error) {
	return ds.query(ctx,
		"SELECT "+downloadColumns+" FROM downloads WHERE status IN (?, ?) ORDER BY started_at ASC, id ASC",
		StatusQueued, StatusRunning)
}

// CountByStatus returns the number of rows in status.
func (ds *DownloadStore) CountByStatus(ctx context.Context, status DownloadStatus) (int, error) {
	var count int
	err := ds.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count downloads: %w", err)
	}
	return count, nil
}

// Counts returns the number of rows for every status, zeros included.
func (ds *DownloadStore) Counts(ctx context.Context) (StatusCounts, error) {
	rows, err := ds.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM downloads GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status DownloadStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return counts, nil
}

// SetStatus sets the status of a row.
func (ds *DownloadStore) SetStatus(ctx context.Context, id int64, status DownloadStatus) error {
	return ds.exec(ctx, id, "UPDATE downloads SET status = ? WHERE id = ?", status, id)
}

// SetProgress sets the progress percentage of a row.
func (ds *DownloadStore) SetProgress(ctx context.Context, id int64, progress int) error {
	return ds.exec(ctx, id, "UPDATE downloads SET progress = ? WHERE id = ?", clampProgress(progress), id)
}

// SetProgressWithBytes records transfer progress and marks the row
// RUNNING. Only QUEUED or RUNNING rows are touched; a paused, terminal or
// deleted row yields a not found error so the transfer can stop.
func (ds *DownloadStore) SetProgressWithBytes(ctx context.Context, id int64, progress int, bytes int64) error {
	return ds.exec(ctx, id, `
		UPDATE downloads SET status = ?, progress = ?, bytes_transferred = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusRunning, clampProgress(progress), bytes, id, StatusQueued, StatusRunning)
}

// SetFailed moves a row to FAILED with reason.
func (ds *DownloadStore) SetFailed(ctx context.Context, id int64, reason string, finishedAt time.Time) error {
	return ds.exec(ctx, id,
		"UPDATE downloads SET status = ?, failure_reason = ?, finished_at = ? WHERE id = ?",
		StatusFailed, reason, toMillis(finishedAt), id)
}

// SetCompleted moves a row to COMPLETED with progress 100.
func (ds *DownloadStore) SetCompleted(ctx context.Context, id int64, finishedAt time.Time) error {
	return ds.exec(ctx, id,
		"UPDATE downloads SET status = ?, progress = 100, failure_reason = NULL, finished_at = ? WHERE id = ?",
		StatusCompleted, toMillis(finishedAt), id)
}

// SetJobHandle records the job runner handle of a row.
func (ds *DownloadStore) SetJobHandle(ctx context.Context, id int64, handle string) error {
	return ds.exec(ctx, id, "UPDATE downloads SET job_handle = ? WHERE id = ?", handle, id)
}

// Transition moves a row to `to` only if its current status is one of
// from. It reports whether the row changed.
func (ds *DownloadStore) Transition(ctx context.Context, id int64, to DownloadStatus, from ...DownloadStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s needs at least one source status", to)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{to, to, to, id}
	for _, s := range from {
		args = append(args, s)
	}

	// Pausing keeps the last progress for display; any other transition
	// starts the attempt over.
	result, err := ds.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?,
			failure_reason = NULL,
			finished_at = 0,
			progress = CASE WHEN ? = 'PAUSED' THEN progress ELSE 0 END,
			bytes_transferred = CASE WHEN ? = 'PAUSED' THEN bytes_transferred ELSE 0 END
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, activeConflict(err, fmt.Sprintf("failed to transition download %d", id))
	}
	return ds.changed(result)
}

// Requeue moves a FAILED row back to QUEUED for another attempt. It is a
// no-op, reporting false, when the row is not FAILED or when the track has
// since gained another non-FAILED row.
func (ds *DownloadStore) Requeue(ctx context.Context, id int64) (bool, error) {
	result, err := ds.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 0, bytes_transferred = 0,
			failure_reason = NULL, finished_at = 0
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM downloads other
			WHERE other.track_id = downloads.track_id
			AND other.id != downloads.id
			AND other.status != ?
		)`,
		StatusQueued, id, StatusFailed, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to requeue download %d: %w", id, err)
	}
	return ds.changed(result)
}

// FailActive moves a QUEUED or RUNNING row to FAILED with reason. A row
// that was paused, finished or deleted in the meantime is left alone and
// false is returned.
func (ds *DownloadStore) FailActive(ctx context.Context, id int64, reason string, finishedAt time.Time) (bool, error) {
	result, err := ds.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, failure_reason = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, toMillis(finishedAt), id, StatusQueued, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to fail download %d: %w", id, err)
	}
	return ds.changed(result)
}

func (ds *DownloadStore) changed(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		ds.hub.Publish(TableDownloads)
	}
	return n > 0, nil
}

// ResetInterrupted moves RUNNING rows back to QUEUED with progress
// cleared. Used at startup: a RUNNING row then means the process died
// mid-transfer and the next attempt restarts from zero.
func (ds *DownloadStore) ResetInterrupted(ctx context.Context) (int64, error) {
	result, err := ds.db.ExecContext(ctx,
		"UPDATE downloads SET status = ?, progress = 0, bytes_transferred = 0 WHERE status = ?",
		StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		ds.hub.Publish(TableDownloads)
	}
	return n, nil
}

// WatchAll is the observable form of ListAll.
func (ds *DownloadStore) WatchAll(ctx context.Context) <-chan []*Download {
	return observe(ctx, ds.hub, ds.ListAll, TableDownloads)
}

// WatchByID pushes the row with id after every ledger change; nil once the
// row is gone.
func (ds *DownloadStore) WatchByID(ctx context.Context, id int64) <-chan *Download {
	return observe(ctx, ds.hub, func(ctx context.Context) (*Download, error) {
		return optional(ds.GetByID(ctx, id))
	}, TableDownloads)
}

// WatchByTrack pushes the latest row of a track; nil while there is none.
func (ds *DownloadStore) WatchByTrack(ctx context.Context, trackID string) <-chan *Download {
	return observe(ctx, ds.hub, func(ctx context.Context) (*Download, error) {
		return optional(ds.GetByTrack(ctx, trackID))
	}, TableDownloads)
}

// WatchByStatus is the observable form of ListByStatus.
func (ds *DownloadStore) WatchByStatus(ctx context.Context, status DownloadStatus) <-chan []*Download {
	return observe(ctx, ds.hub, func(ctx context.Context) ([]*Download, error) {
		return ds.ListByStatus(ctx, status)
	}, TableDownloads)
}

// WatchActive is the observable form of ListActive.
func (ds *DownloadStore) WatchActive(ctx context.Context) <-chan []*Download {
	return observe(ctx, ds.hub, ds.ListActive, TableDownloads)
}

// WatchCounts is the observable form of Counts.
func (ds *DownloadStore) WatchCounts(ctx context.Context) <-chan StatusCounts {
	return observe(ctx, ds.hub, ds.Counts, TableDownloads)
}

func (ds *DownloadStore) exec(ctx context.Context, id int64, query string, args ...any) error {
	result, err := ds.db.ExecContext(ctx, query, args...)
	if err != nil {
		return activeConflict(err, fmt.Sprintf("failed to update download %d", id))
	}
	return ds.finishRowUpdate(result, id)
}

// activeConflict reports a write rejected by the one-active-row index as a
// coordination error.
func activeConflict(err error, msg string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return apperrors.NewCoordinationError(ErrAlreadyActive)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (ds *DownloadStore) finishRowUpdate(result sql.Result, id int64) error {
	if err := requireRow(result, fmt.Sprintf("download not found or not active: %d", id)); err != nil {
		return err
	}
	ds.hub.Publish(TableDownloads)
	return nil
}

func (ds *DownloadStore) query(ctx context.Context, query string, args ...any) ([]*Download, error) {
	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return downloads, nil
}

func scanDownload(row rowScanner) (*Download, error) {
	d := &Download{}
	var reason sql.NullString
	var started, finished int64

	err := row.Scan(
		&d.ID,
		&d.TrackID,
		&d.Status,
		&d.Progress,
		&d.BytesTransferred,
		&reason,
		&started,
		&finished,
		&d.JobHandle,
	)
	if err != nil {
		return nil, err
	}

	d.FailureReason = reason.String
	d.StartedAt = fromMillis(started)
	d.FinishedAt = fromMillis(finished)
	return d, nil
}

func optional(d *Download, err error) (*Download, error) {
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	return d, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

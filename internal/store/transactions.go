package store

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

// Complete commits a finished transfer: the ledger row becomes COMPLETED
// and the catalog row points at localPath. Both land or neither does. The
// ledger row must still be QUEUED or RUNNING.
func (ds *DownloadStore) Complete(ctx context.Context, downloadID int64, trackID, localPath string, finishedAt time.Time) error {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 100, failure_reason = NULL, finished_at = ?
		WHERE id = ? AND track_id = ? AND status IN (?, ?)`,
		StatusCompleted, toMillis(finishedAt), downloadID, trackID, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete download %d: %w", downloadID, err)
	}
	if err := requireRow(result, fmt.Sprintf("download not found or not active: %d", downloadID)); err != nil {
		return err
	}

	result, err = tx.ExecContext(ctx,
		"UPDATE tracks SET is_downloaded = 1, local_path = ? WHERE id = ?", localPath, trackID)
	if err != nil {
		return fmt.Errorf("failed to mark track downloaded: %w", err)
	}
	if err := requireRow(result, fmt.Sprintf("track not found: %s", trackID)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("failed to commit completed download", err)
	}

	ds.hub.Publish(TableDownloads, TableTracks)
	return nil
}

// RemoveForTrack deletes every ledger row of trackID and clears the
// catalog availability fields in one transaction. It returns the number
// of ledger rows removed.
func (ds *DownloadStore) RemoveForTrack(ctx context.Context, trackID string) (int64, error) {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM downloads WHERE track_id = ?", trackID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete downloads: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tracks SET is_downloaded = 0, local_path = NULL WHERE id = ?", trackID); err != nil {
		return 0, fmt.Errorf("failed to clear downloaded flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewDatabaseError("failed to commit download removal", err)
	}

	ds.hub.Publish(TableDownloads, TableTracks)
	return removed, nil
}

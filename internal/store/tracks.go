package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

const trackColumns = `
	id, title, artist, album, duration_ms, stream_url, cover_url, tags,
	checksum, featured, is_downloaded, local_path, play_count,
	last_played_at, created_at`

// TrackStore is the catalog: track metadata plus the local availability
// fields kept in step with the download ledger.
type TrackStore struct {
	db  *sql.DB
	hub *ChangeHub
}

// NewTrackStore creates a new TrackStore
func NewTrackStore(db *sql.DB, hub *ChangeHub) *TrackStore {
	return &TrackStore{db: db, hub: hub}
}

// Upsert inserts a track or refreshes its metadata. Download state and
// play statistics of an existing row are left untouched.
func (ts *TrackStore) Upsert(ctx context.Context, track *Track) error {
	if err := upsertTrack(ctx, ts.db, track); err != nil {
		return err
	}
	ts.hub.Publish(TableTracks)
	return nil
}

// UpsertBatch upserts tracks in a single transaction
func (ts *TrackStore) UpsertBatch(ctx context.Context, tracks []*Track) error {
	if len(tracks) == 0 {
		return nil
	}

	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, track := range tracks {
		if err := upsertTrack(ctx, tx, track); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	ts.hub.Publish(TableTracks)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTrack(ctx context.Context, db execer, track *Track) error {
	if track.CreatedAt.IsZero() {
		track.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tracks (
			id, title, artist, album, duration_ms, stream_url, cover_url,
			tags, checksum, featured, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			album = excluded.album,
			duration_ms = excluded.duration_ms,
			stream_url = excluded.stream_url,
			cover_url = excluded.cover_url,
			tags = excluded.tags,
			checksum = excluded.checksum,
			featured = excluded.featured
	`

	_, err := db.ExecContext(ctx, query,
		track.ID,
		track.Title,
		track.Artist,
		track.Album,
		track.DurationMs,
		track.StreamURL,
		track.CoverURL,
		track.Tags,
		track.Checksum,
		track.Featured,
		toMillis(track.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert track %s: %w", track.ID, err)
	}
	return nil
}

// GetByID retrieves a track by ID
func (ts *TrackStore) GetByID(ctx context.Context, id string) (*Track, error) {
	row := ts.db.QueryRowContext(ctx, "SELECT "+trackColumns+" FROM tracks WHERE id = ?", id)

	track, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("track not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}
	return track, nil
}

// List returns every track ordered by title
func (ts *TrackStore) List(ctx context.Context) ([]*Track, error) {
	return ts.query(ctx, "SELECT "+trackColumns+" FROM tracks ORDER BY title, id")
}

// ListDownloaded returns tracks flagged as available offline
func (ts *TrackStore) ListDownloaded(ctx context.Context) ([]*Track, error) {
	return ts.query(ctx, "SELECT "+trackColumns+" FROM tracks WHERE is_downloaded = 1 ORDER BY title, id")
}

// ListFeatured returns featured tracks
func (ts *TrackStore) ListFeatured(ctx context.Context) ([]*Track, error) {
	return ts.query(ctx, "SELECT "+trackColumns+" FROM tracks WHERE featured = 1 ORDER BY title, id")
}

// WatchDownloaded is the observable form of ListDownloaded.
func (ts *TrackStore) WatchDownloaded(ctx context.Context) <-chan []*Track {
	return observe(ctx, ts.hub, ts.ListDownloaded, TableTracks)
}

// Delete removes a track. Its ledger rows go with it.
func (ts *TrackStore) Delete(ctx context.Context, id string) error {
	result, err := ts.db.ExecContext(ctx, "DELETE FROM tracks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete track: %w", err)
	}
	if err := requireRow(result, fmt.Sprintf("track not found: %s", id)); err != nil {
		return err
	}

	ts.hub.Publish(TableTracks, TableDownloads, TableLibrary)
	return nil
}

// SetDownloaded flags a track as available at localPath.
func (ts *TrackStore) SetDownloaded(ctx context.Context, id, localPath string) error {
	result, err := ts.db.ExecContext(ctx,
		"UPDATE tracks SET is_downloaded = 1, local_path = ? WHERE id = ?", localPath, id)
	if err != nil {
		return fmt.Errorf("failed to mark track downloaded: %w", err)
	}
	if err := requireRow(result, fmt.Sprintf("track not found: %s", id)); err != nil {
		return err
	}

	ts.hub.Publish(TableTracks)
	return nil
}

// ClearDownloaded resets the availability flag and path.
func (ts *TrackStore) ClearDownloaded(ctx context.Context, id string) error {
	if _, err := ts.db.ExecContext(ctx,
		"UPDATE tracks SET is_downloaded = 0, local_path = NULL WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to clear downloaded flag: %w", err)
	}

	ts.hub.Publish(TableTracks)
	return nil
}

func (ts *TrackStore) query(ctx context.Context, query string, args ...any) ([]*Track, error) {
	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	return scanTracks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*Track, error) {
	track := &Track{}
	var localPath sql.NullString
	var lastPlayed, created int64

	err := row.Scan(
		&track.ID,
		&track.Title,
		&track.Artist,
		&track.Album,
		&track.DurationMs,
		&track.StreamURL,
		&track.CoverURL,
		&track.Tags,
		&track.Checksum,
		&track.Featured,
		&track.IsDownloaded,
		&localPath,
		&track.PlayCount,
		&lastPlayed,
		&created,
	)
	if err != nil {
		return nil, err
	}

	track.LocalPath = localPath.String
	track.LastPlayedAt = fromMillis(lastPlayed)
	track.CreatedAt = fromMillis(created)
	return track, nil
}

func scanTracks(rows *sql.Rows) ([]*Track, error) {
	var tracks []*Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tracks, nil
}

func requireRow(result sql.Result, notFound string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NewNotFoundError(notFound)
	}
	return nil
}

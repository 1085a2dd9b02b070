package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

// LibraryStore holds user library state: favorites, play history and
// playlists.
type LibraryStore struct {
	db  *sql.DB
	hub *ChangeHub
}

// NewLibraryStore creates a new LibraryStore
func NewLibraryStore(db *sql.DB, hub *ChangeHub) *LibraryStore {
	return &LibraryStore{db: db, hub: hub}
}

// ToggleFavorite flips the favorite flag of a track and returns the new
// state.
func (ls *LibraryStore) ToggleFavorite(ctx context.Context, trackID string, now time.Time) (bool, error) {
	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM favorites WHERE track_id = ?", trackID)
	if err != nil {
		return false, fmt.Errorf("failed to remove favorite: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	favorite := removed == 0
	if favorite {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO favorites (track_id, created_at) VALUES (?, ?)", trackID, toMillis(now)); err != nil {
			return false, fmt.Errorf("failed to add favorite: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	ls.hub.Publish(TableLibrary)
	return favorite, nil
}

// IsFavorite reports whether a track is a favorite.
func (ls *LibraryStore) IsFavorite(ctx context.Context, trackID string) (bool, error) {
	var n int
	if err := ls.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM favorites WHERE track_id = ?", trackID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check favorite: %w", err)
	}
	return n > 0, nil
}

// ListFavorites returns favorite tracks, most recently added first.
func (ls *LibraryStore) ListFavorites(ctx context.Context) ([]*Track, error) {
	return ls.tracks(ctx, `
		SELECT `+prefixed("t")+` FROM tracks t
		JOIN favorites f ON f.track_id = t.id
		ORDER BY f.created_at DESC, t.id`)
}

// RecordPlay bumps the play count of a track, appends it to the recent
// list and trims that list to maxRecent entries.
func (ls *LibraryStore) RecordPlay(ctx context.Context, trackID string, playedAt time.Time, maxRecent int) error {
	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE tracks SET play_count = play_count + 1, last_played_at = ? WHERE id = ?",
		toMillis(playedAt), trackID)
	if err != nil {
		return fmt.Errorf("failed to increment play count: %w", err)
	}
	if err := requireRow(result, fmt.Sprintf("track not found: %s", trackID)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO recent_plays (track_id, played_at) VALUES (?, ?)", trackID, toMillis(playedAt)); err != nil {
		return fmt.Errorf("failed to record recent play: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recent_plays WHERE id NOT IN (
			SELECT id FROM recent_plays ORDER BY played_at DESC, id DESC LIMIT ?
		)`, maxRecent); err != nil {
		return fmt.Errorf("failed to trim recent plays: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	ls.hub.Publish(TableTracks, TableLibrary)
	return nil
}

// ListRecent returns recently played tracks, newest first, one entry per
// play.
func (ls *LibraryStore) ListRecent(ctx context.Context, limit int) ([]*Track, error) {
	return ls.tracks(ctx, `
		SELECT `+prefixed("t")+` FROM recent_plays r
		JOIN tracks t ON t.id = r.track_id
		ORDER BY r.played_at DESC, r.id DESC
		LIMIT ?`, limit)
}

// CreatePlaylist creates an empty playlist.
func (ls *LibraryStore) CreatePlaylist(ctx context.Context, name string, now time.Time) (*Playlist, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("playlist name is required")
	}

	result, err := ls.db.ExecContext(ctx,
		"INSERT INTO playlists (name, created_at) VALUES (?, ?)", name, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get playlist id: %w", err)
	}

	ls.hub.Publish(TableLibrary)
	return &Playlist{ID: id, Name: name, CreatedAt: fromMillis(toMillis(now))}, nil
}

// AddTrackToPlaylist appends a track to a playlist. Adding a track that is
// already present is a no-op.
func (ls *LibraryStore) AddTrackToPlaylist(ctx context.Context, playlistID int64, trackID string, now time.Time) error {
	_, err := ls.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO playlist_tracks (playlist_id, track_id, position, added_at)
		SELECT ?, ?, COALESCE(MAX(position), -1) + 1, ?
		FROM playlist_tracks WHERE playlist_id = ?`,
		playlistID, trackID, toMillis(now), playlistID)
	if err != nil {
		return fmt.Errorf("failed to add track to playlist: %w", err)
	}

	ls.hub.Publish(TableLibrary)
	return nil
}

// ListPlaylists returns every playlist with its track count.
func (ls *LibraryStore) ListPlaylists(ctx context.Context) ([]*Playlist, error) {
	rows, err := ls.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.created_at, COUNT(pt.track_id)
		FROM playlists p
		LEFT JOIN playlist_tracks pt ON pt.playlist_id = p.id
		GROUP BY p.id
		ORDER BY p.created_at, p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query playlists: %w", err)
	}
	defer rows.Close()

	var playlists []*Playlist
	for rows.Next() {
		p := &Playlist{}
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &created, &p.TrackCount); err != nil {
			return nil, fmt.Errorf("failed to scan playlist: %w", err)
		}
		p.CreatedAt = fromMillis(created)
		playlists = append(playlists, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return playlists, nil
}

// PlaylistTracks returns the tracks of a playlist in insertion order.
func (ls *LibraryStore) PlaylistTracks(ctx context.Context, playlistID int64) ([]*Track, error) {
	return ls.tracks(ctx, `
		SELECT `+prefixed("t")+` FROM playlist_tracks pt
		JOIN tracks t ON t.id = pt.track_id
		WHERE pt.playlist_id = ?
		ORDER BY pt.position`, playlistID)
}

func (ls *LibraryStore) tracks(ctx context.Context, query string, args ...any) ([]*Track, error) {
	rows, err := ls.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	return scanTracks(rows)
}

// prefixed qualifies trackColumns with a table alias.
func prefixed(alias string) string {
	return alias + ".id, " + alias + ".title, " + alias + ".artist, " + alias + ".album, " +
		alias + ".duration_ms, " + alias + ".stream_url, " + alias + ".cover_url, " + alias + ".tags, " +
		alias + ".checksum, " + alias + ".featured, " + alias + ".is_downloaded, " + alias + ".local_path, " +
		alias + ".play_count, " + alias + ".last_played_at, " + alias + ".created_at"
}

package library

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// DefaultMaxRecent bounds the recently played list.
const DefaultMaxRecent = 100

// Repository is the user library: favorites, play history and playlists.
// Every operation runs on the shared executor.
type Repository struct {
	library   *store.LibraryStore
	tracks    *store.TrackStore
	exec      *Executor
	maxRecent int
	logger    *zap.Logger
	now       func() time.Time
}

// NewRepository creates a library repository.
func NewRepository(library *store.LibraryStore, tracks *store.TrackStore, exec *Executor, maxRecent int, logger *zap.Logger) *Repository {
	if maxRecent <= 0 {
		maxRecent = DefaultMaxRecent
	}
	return &Repository{
		library:   library,
		tracks:    tracks,
		exec:      exec,
		maxRecent: maxRecent,
		logger:    logger,
		now:       time.Now,
	}
}

// ToggleFavorite flips the favorite flag and returns the new state.
func (r *Repository) ToggleFavorite(ctx context.Context, trackID string) (bool, error) {
	favorite, err := call(ctx, r.exec, func(ctx context.Context) (bool, error) {
		if err := r.requireTrack(ctx, trackID); err != nil {
			return false, err
		}
		favorite, err := r.library.ToggleFavorite(ctx, trackID, r.now())
		if err != nil {
			return false, apperrors.NewDatabaseError("Failed to update favorite", err)
		}
		return favorite, nil
	})
	r.record("toggle_favorite", err)
	if err == nil {
		r.logger.Debug("Favorite toggled", zap.String("track_id", trackID), zap.Bool("favorite", favorite))
	}
	return favorite, err
}

// IsFavorite reports whether trackID is a favorite.
func (r *Repository) IsFavorite(ctx context.Context, trackID string) (bool, error) {
	return call(ctx, r.exec, func(ctx context.Context) (bool, error) {
		return r.library.IsFavorite(ctx, trackID)
	})
}

// RecordPlay bumps the play count of trackID and adds it to the recent list.
func (r *Repository) RecordPlay(ctx context.Context, trackID string) error {
	_, err := call(ctx, r.exec, func(ctx context.Context) (struct{}, error) {
		err := r.library.RecordPlay(ctx, trackID, r.now(), r.maxRecent)
		if apperrors.IsNotFound(err) {
			return struct{}{}, apperrors.NewNotFoundError("Track not found")
		}
		if err != nil {
			return struct{}{}, apperrors.NewDatabaseError("Failed to record play", err)
		}
		return struct{}{}, nil
	})
	r.record("record_play", err)
	return err
}

// CreatePlaylist creates an empty playlist named name.
func (r *Repository) CreatePlaylist(ctx context.Context, name string) (*store.Playlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("Playlist name is required")
	}

	playlist, err := call(ctx, r.exec, func(ctx context.Context) (*store.Playlist, error) {
		p, err := r.library.CreatePlaylist(ctx, name, r.now())
		if err != nil {
			return nil, apperrors.NewDatabaseError("Failed to create playlist", err)
		}
		return p, nil
	})
	r.record("create_playlist", err)
	return playlist, err
}

// AddToPlaylist appends trackID to a playlist.
func (r *Repository) AddToPlaylist(ctx context.Context, playlistID int64, trackID string) error {
	_, err := call(ctx, r.exec, func(ctx context.Context) (struct{}, error) {
		if err := r.requireTrack(ctx, trackID); err != nil {
			return struct{}{}, err
		}
		if err := r.library.AddTrackToPlaylist(ctx, playlistID, trackID, r.now()); err != nil {
			return struct{}{}, apperrors.NewDatabaseError("Failed to add track to playlist", err)
		}
		return struct{}{}, nil
	})
	r.record("add_to_playlist", err)
	return err
}

// Favorites lists favorite tracks, newest first.
func (r *Repository) Favorites(ctx context.Context) ([]*store.Track, error) {
	return call(ctx, r.exec, r.library.ListFavorites)
}

// Recent lists recently played tracks, newest first.
func (r *Repository) Recent(ctx context.Context) ([]*store.Track, error) {
	return call(ctx, r.exec, func(ctx context.Context) ([]*store.Track, error) {
		return r.library.ListRecent(ctx, r.maxRecent)
	})
}

// Playlists lists every playlist.
func (r *Repository) Playlists(ctx context.Context) ([]*store.Playlist, error) {
	return call(ctx, r.exec, r.library.ListPlaylists)
}

// PlaylistTracks lists the tracks of a playlist in the order they were
// added.
func (r *Repository) PlaylistTracks(ctx context.Context, playlistID int64) ([]*store.Track, error) {
	return call(ctx, r.exec, func(ctx context.Context) ([]*store.Track, error) {
		return r.library.PlaylistTracks(ctx, playlistID)
	})
}

// Downloaded lists tracks available offline.
func (r *Repository) Downloaded(ctx context.Context) ([]*store.Track, error) {
	return call(ctx, r.exec, r.tracks.ListDownloaded)
}

func (r *Repository) requireTrack(ctx context.Context, trackID string) error {
	if _, err := r.tracks.GetByID(ctx, trackID); err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.NewNotFoundError("Track not found")
		}
		return apperrors.NewDatabaseError("Failed to load track", err)
	}
	return nil
}

func (r *Repository) record(op string, err error) {
	monitoring.RecordLibraryOp(op, err)
	if err != nil && !apperrors.IsNotFound(err) {
		r.logger.Warn("Library operation failed", zap.String("operation", op), zap.Error(err))
	}
}

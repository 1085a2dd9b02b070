package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/musicplayer/musicplayer-go/internal/download"
	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

type startDownloadRequest struct {
	TrackID string `json:"track_id" validate:"required,max=200"`
}

type createPlaylistRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type addToPlaylistRequest struct {
	TrackID string `json:"track_id" validate:"required,max=200"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Downloads.Counts(r.Context())
	if err != nil {
		s.logger.Warn("Failed to count downloads", zap.Error(err))
	}
	check := s.deps.Health.Check(r.Context(), counts[store.StatusQueued], counts[store.StatusRunning])

	status := http.StatusOK
	if check.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, check)
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	var (
		rows []*store.Download
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.DownloadStatus(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		rows, err = s.deps.Downloads.ListByStatus(r.Context(), status)
	} else {
		rows, err = s.deps.Downloads.ListAll(r.Context())
	}
	if err != nil {
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to list downloads", err))
		return
	}
	if rows == nil {
		rows = []*store.Download{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Downloads.GetByTrack(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		if apperrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, download.MsgNoDownload)
			return
		}
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to load download", err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.deps.Coordinator.StartDownload(r.Context(), req.TrackID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"download_id": id, "track_id": req.TrackID})
}

func (s *Server) deleteDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.DeleteDownload(r.Context(), chi.URLParam(r, "trackID")); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.PauseDownload(r.Context(), chi.URLParam(r, "trackID")); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusPaused)})
}

func (s *Server) resumeDownload(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Coordinator.ResumeDownload(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"download_id": id, "status": store.StatusQueued})
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.CancelDownload(r.Context(), chi.URLParam(r, "trackID")); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusFailed)})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Coordinator.RetryFailed(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Downloads.Counts(r.Context())
	if err != nil {
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to count downloads", err))
		return
	}

	byStatus := make(map[string]int, len(store.AllStatuses))
	for _, status := range store.AllStatuses {
		byStatus[string(status)] = counts[status]
	}
	resp := map[string]any{"ledger": byStatus}
	if s.deps.Notifier != nil {
		resp["session"] = s.deps.Notifier.Summary()
		resp["transfers"] = s.deps.Notifier.AllStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// events streams notifier messages as server-sent events.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		writeError(w, http.StatusNotImplemented, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := download.NewSubscriber(uuid.NewString())
	s.deps.Notifier.Register(sub)
	defer s.deps.Notifier.Unregister(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-sub.SendChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Tracks.List
	if r.URL.Query().Get("featured") == "true" {
		list = s.deps.Tracks.ListFeatured
	}
	tracks, err := list(r.Context())
	if err != nil {
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to list tracks", err))
		return
	}
	writeTracks(w, tracks)
}

func (s *Server) listDownloadedTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.deps.Tracks.ListDownloaded(r.Context())
	if err != nil {
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to list tracks", err))
		return
	}
	writeTracks(w, tracks)
}

func (s *Server) getTrack(w http.ResponseWriter, r *http.Request) {
	track, err := s.deps.Tracks.GetByID(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		if apperrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Track not found")
			return
		}
		s.writeAppError(w, apperrors.NewDatabaseError("Failed to load track", err))
		return
	}
	writeJSON(w, http.StatusOK, track)
}

func (s *Server) toggleFavorite(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	favorite, err := s.deps.Library.ToggleFavorite(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"favorite": favorite})
}

func (s *Server) recordPlay(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	if err := s.deps.Library.RecordPlay(r.Context(), chi.URLParam(r, "trackID")); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) favorites(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	tracks, err := s.deps.Library.Favorites(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeTracks(w, tracks)
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	tracks, err := s.deps.Library.Recent(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeTracks(w, tracks)
}

func (s *Server) listPlaylists(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	playlists, err := s.deps.Library.Playlists(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if playlists == nil {
		playlists = []*store.Playlist{}
	}
	writeJSON(w, http.StatusOK, playlists)
}

func (s *Server) createPlaylist(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	var req createPlaylistRequest
	if !s.decode(w, r, &req) {
		return
	}

	playlist, err := s.deps.Library.CreatePlaylist(r.Context(), sanitize(req.Name))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, playlist)
}

func (s *Server) playlistTracks(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	id, ok := playlistID(w, r)
	if !ok {
		return
	}
	tracks, err := s.deps.Library.PlaylistTracks(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeTracks(w, tracks)
}

func (s *Server) addToPlaylist(w http.ResponseWriter, r *http.Request) {
	if !s.requireLibrary(w) {
		return
	}
	id, ok := playlistID(w, r)
	if !ok {
		return
	}
	var req addToPlaylistRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.deps.Library.AddToPlaylist(r.Context(), id, req.TrackID); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncCatalog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusNotImplemented, "catalog source not configured")
		return
	}
	report, err := s.deps.Catalog.Sync(r.Context(), s.deps.Tracks)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) requireLibrary(w http.ResponseWriter) bool {
	if s.deps.Library == nil {
		writeError(w, http.StatusNotImplemented, "library not available")
		return false
	}
	return true
}

func playlistID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "playlistID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid playlist id")
		return 0, false
	}
	return id, true
}

func writeTracks(w http.ResponseWriter, tracks []*store.Track) {
	if tracks == nil {
		tracks = []*store.Track{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// sanitize drops control characters from user-supplied text.
func sanitize(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

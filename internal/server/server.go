package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/musicplayer/musicplayer-go/internal/api"
	"github.com/musicplayer/musicplayer-go/internal/download"
	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/library"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// Downloads is the part of the download coordinator the server drives.
type Downloads interface {
	StartDownload(ctx context.Context, trackID string) (int64, error)
	DeleteDownload(ctx context.Context, trackID string) error
	CancelDownload(ctx context.Context, trackID string) error
	PauseDownload(ctx context.Context, trackID string) error
	ResumeDownload(ctx context.Context, trackID string) (int64, error)
	RetryFailed(ctx context.Context) (int, error)
}

// CatalogSyncer refreshes the catalog from its source.
type CatalogSyncer interface {
	Sync(ctx context.Context, tracks *store.TrackStore) (*api.SyncReport, error)
}

// Deps are the components served over HTTP. Catalog and Library may be nil.
type Deps struct {
	Coordinator Downloads
	Downloads   *store.DownloadStore
	Tracks      *store.TrackStore
	Library     *library.Repository
	Catalog     CatalogSyncer
	Notifier    *download.ProgressNotifier
	Health      *monitoring.HealthChecker
}

// Server is the local status and control API.
type Server struct {
	deps      Deps
	validator *validator.Validate
	logger    *zap.Logger
	http      *http.Server
}

// New creates a server listening on addr.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:      deps,
		validator: validator.New(),
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events", s.events)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", s.listDownloads)
		r.Post("/", s.startDownload)
		r.Post("/retry-failed", s.retryFailed)
		r.Get("/summary", s.summary)
		r.Route("/{trackID}", func(r chi.Router) {
			r.Get("/", s.getDownload)
			r.Delete("/", s.deleteDownload)
			r.Post("/pause", s.pauseDownload)
			r.Post("/resume", s.resumeDownload)
			r.Post("/cancel", s.cancelDownload)
		})
	})

	r.Route("/tracks", func(r chi.Router) {
		r.Get("/", s.listTracks)
		r.Get("/downloaded", s.listDownloadedTracks)
		r.Get("/{trackID}", s.getTrack)
		r.Post("/{trackID}/favorite", s.toggleFavorite)
		r.Post("/{trackID}/play", s.recordPlay)
	})

	r.Get("/favorites", s.favorites)
	r.Get("/recent", s.recent)
	r.Route("/playlists", func(r chi.Router) {
		r.Get("/", s.listPlaylists)
		r.Post("/", s.createPlaylist)
		r.Get("/{playlistID}/tracks", s.playlistTracks)
		r.Post("/{playlistID}/tracks", s.addToPlaylist)
	})

	r.Post("/catalog/sync", s.syncCatalog)

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server starting", zap.String("address", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps err to its status code and user message.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.GetStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeError(w, status, apperrors.GetUserMessage(err))
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

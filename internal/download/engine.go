package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/metadata"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/network"
	"github.com/musicplayer/musicplayer-go/internal/storage"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// Failure reasons recorded on the ledger row.
const (
	ReasonNoConnectivity = "No internet connection"
	ReasonWifiRequired   = "Wi-Fi connection required"
	ReasonNoSpace        = "Insufficient storage space"
	ReasonEmptyResponse  = "Empty response"
	ReasonReadTimeout    = "Read timed out"
	ReasonChecksum       = "Checksum mismatch"
	ReasonSaveFailed     = "Failed to save file"
	ReasonRecordFailed   = "Failed to record download"
	ReasonTrackNotFound  = "Track not found"
	ReasonInvalidTrackID = "Invalid track id"
	ReasonInvalidURL     = "Invalid stream URL"
)

const (
	DefaultChunkSize   = 8 * 1024
	DefaultReadTimeout = 30 * time.Second

	// Without a content length, bytes are written to the ledger every
	// this many chunks.
	unknownLengthInterval = 64
)

// OutcomeKind tells the job runner what to do after an attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomePermanent
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one engine run.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Bytes  int64
}

// EngineConfig holds the transfer settings.
type EngineConfig struct {
	WifiOnly    bool
	ChunkSize   int
	ReadTimeout time.Duration
	WriteTags   bool
	FetchCover  bool
}

// Engine executes one download attempt for a track. It never returns an
// error: every failure becomes a ledger transition plus an Outcome.
type Engine struct {
	tracks    *store.TrackStore
	downloads *store.DownloadStore
	storage   *storage.Gateway
	client    *http.Client
	monitor   network.Monitor
	limiter   *rate.Limiter
	tagger    *metadata.Tagger
	covers    *metadata.CoverFetcher
	sink      ProgressSink
	config    EngineConfig
	logger    *zap.Logger
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLimiter shares a bandwidth limiter across transfers.
func WithLimiter(l *rate.Limiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithTagger writes ID3 tags before commit when WriteTags is set.
func WithTagger(t *metadata.Tagger) EngineOption {
	return func(e *Engine) { e.tagger = t }
}

// WithCoverFetcher stores cover art next to committed media when
// FetchCover is set.
func WithCoverFetcher(f *metadata.CoverFetcher) EngineOption {
	return func(e *Engine) { e.covers = f }
}

// WithProgressSink receives transfer events.
func WithProgressSink(s ProgressSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// NewEngine creates a transfer engine.
func NewEngine(
	tracks *store.TrackStore,
	downloads *store.DownloadStore,
	gateway *storage.Gateway,
	client *http.Client,
	monitor network.Monitor,
	config EngineConfig,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	e := &Engine{
		tracks:    tracks,
		downloads: downloads,
		storage:   gateway,
		client:    client,
		monitor:   monitor,
		sink:      noopSink{},
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// errRowGone signals that the ledger row left QUEUED/RUNNING under us.
var errRowGone = errors.New("download row no longer active")

// attemptError carries a failure reason and the error category.
type attemptError struct {
	reason    string
	errType   apperrors.ErrorType
	permanent bool
	cause     error
}

func (e *attemptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.cause)
	}
	return e.reason
}

func (e *attemptError) Unwrap() error { return e.cause }

func retryable(reason string, errType apperrors.ErrorType, cause error) *attemptError {
	return &attemptError{reason: reason, errType: errType, cause: cause}
}

// Run executes one attempt of the ledger row downloadID, which must belong
// to trackID.
func (e *Engine) Run(ctx context.Context, trackID string, downloadID int64) Outcome {
	logger := e.logger.With(zap.String("track_id", trackID))

	track, err := e.tracks.GetByID(ctx, trackID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeCancelled}
		}
		logger.Error("Track lookup failed", zap.Error(err))
		monitoring.RecordError(string(apperrors.ErrTypeCoordination))
		return Outcome{Kind: OutcomePermanent, Reason: ReasonTrackNotFound}
	}

	d, err := e.downloads.GetByID(ctx, downloadID)
	if err == nil && d.TrackID != trackID {
		err = fmt.Errorf("download %d belongs to track %s", downloadID, d.TrackID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeCancelled}
		}
		logger.Error("Ledger lookup failed", zap.Int64("download_id", downloadID), zap.Error(err))
		monitoring.RecordError(string(apperrors.ErrTypeCoordination))
		return Outcome{Kind: OutcomePermanent, Reason: "Download not found"}
	}
	logger = logger.With(zap.Int64("download_id", d.ID))

	if d.Status != store.StatusQueued && d.Status != store.StatusRunning {
		logger.Debug("Skipping download that is not active", zap.String("status", string(d.Status)))
		return Outcome{Kind: OutcomeCancelled, Reason: string(d.Status)}
	}

	conn := e.monitor.Current(ctx)
	if !conn.Connected {
		return e.reject(ctx, logger, d, ReasonNoConnectivity)
	}
	if e.config.WifiOnly && !conn.Unmetered() {
		return e.reject(ctx, logger, d, ReasonWifiRequired)
	}

	finalPath, err := e.storage.MediaPath(trackID)
	if err != nil {
		return e.fail(ctx, logger, d, &attemptError{
			reason: ReasonInvalidTrackID, errType: apperrors.ErrTypeValidation, permanent: true, cause: err,
		}, false)
	}

	ok, err := e.downloads.Transition(ctx, d.ID, store.StatusRunning, store.StatusQueued, store.StatusRunning)
	if err != nil || !ok {
		if err != nil && ctx.Err() == nil {
			logger.Error("Failed to mark download running", zap.Error(err))
		}
		return Outcome{Kind: OutcomeCancelled}
	}

	start := e.now()
	monitoring.RecordDownloadStart()
	e.sink.NotifyStarted(trackID)
	logger.Info("Download started", zap.String("url", track.StreamURL))

	written, err := e.transfer(ctx, logger, d, track, finalPath)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errRowGone) {
			monitoring.RecordDownloadCancelled()
			e.sink.NotifyFailed(trackID, "cancelled")
			logger.Info("Download cancelled", zap.Int64("bytes", written))
			return Outcome{Kind: OutcomeCancelled, Bytes: written}
		}
		var ae *attemptError
		if !errors.As(err, &ae) {
			ae = retryable(err.Error(), apperrors.ErrTypeUnknown, err)
		}
		return e.fail(ctx, logger, d, ae, true)
	}

	duration := e.now().Sub(start)
	monitoring.RecordDownloadComplete(duration, written)
	e.sink.NotifyCompleted(trackID)
	logger.Info("Download completed",
		zap.String("path", finalPath),
		zap.String("size", storage.FormatSize(written)),
		zap.Duration("duration", duration))
	return Outcome{Kind: OutcomeSuccess, Bytes: written}
}

// reject records a precondition failure before any transfer started.
func (e *Engine) reject(ctx context.Context, logger *zap.Logger, d *store.Download, reason string) Outcome {
	ok, err := e.downloads.FailActive(ctx, d.ID, reason, e.now())
	if err != nil || !ok {
		return Outcome{Kind: OutcomeCancelled}
	}
	monitoring.RecordDownloadRejected(string(apperrors.ErrTypePrecondition))
	logger.Warn("Download precondition not met", zap.String("reason", reason))
	return Outcome{Kind: OutcomeRetry, Reason: reason}
}

// fail records ae on the ledger row. A row that was paused or deleted in
// the meantime turns the failure into a cancellation.
func (e *Engine) fail(ctx context.Context, logger *zap.Logger, d *store.Download, ae *attemptError, started bool) Outcome {
	ok, err := e.downloads.FailActive(context.WithoutCancel(ctx), d.ID, ae.reason, e.now())
	if err != nil {
		logger.Error("Failed to record download failure", zap.Error(err))
	}
	if started {
		if !ok && err == nil {
			monitoring.RecordDownloadCancelled()
		} else {
			monitoring.RecordDownloadFailed(string(ae.errType), !ae.permanent)
		}
		e.sink.NotifyFailed(d.TrackID, ae.reason)
	} else {
		monitoring.RecordError(string(ae.errType))
	}
	if !ok && err == nil {
		return Outcome{Kind: OutcomeCancelled}
	}

	logger.Warn("Download failed",
		zap.String("reason", ae.reason),
		zap.Bool("permanent", ae.permanent),
		zap.NamedError("cause", ae.cause))

	if ae.permanent {
		return Outcome{Kind: OutcomePermanent, Reason: ae.reason}
	}
	return Outcome{Kind: OutcomeRetry, Reason: ae.reason}
}

// transfer streams the track to a temporary file and commits it. It
// returns the number of bytes written.
func (e *Engine) transfer(ctx context.Context, logger *zap.Logger, d *store.Download, track *store.Track, finalPath string) (int64, error) {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, track.StreamURL, nil)
	if err != nil {
		return 0, &attemptError{reason: ReasonInvalidURL, errType: apperrors.ErrTypeValidation, permanent: true, cause: err}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, retryable("Network error", apperrors.ErrTypeTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, retryable(fmt.Sprintf("HTTP %d", resp.StatusCode), apperrors.ErrTypeTransport, nil)
	}

	total := resp.ContentLength
	if total > 0 && !e.storage.HasSpaceFor(total) {
		return 0, retryable(ReasonNoSpace, apperrors.ErrTypePrecondition, nil)
	}

	tempPath := storage.TempPath(finalPath)
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
	}
	committed := false
	defer func() {
		out.Close()
		if !committed {
			os.Remove(tempPath)
		}
	}()

	idle := network.NewIdleTimeoutReader(resp.Body, e.config.ReadTimeout, cancelReq)
	defer idle.Stop()
	body := network.NewThrottledReader(reqCtx, idle, e.limiter)

	written, err := e.copyChunks(ctx, d, body, out, total)
	if err != nil {
		if idle.TimedOut() && ctx.Err() == nil {
			return written, retryable(ReasonReadTimeout, apperrors.ErrTypeTransport, err)
		}
		return written, err
	}
	// A committed download is never an empty file.
	if written == 0 {
		return 0, retryable(ReasonEmptyResponse, apperrors.ErrTypeTransport, nil)
	}

	if err := out.Sync(); err != nil {
		return written, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
	}
	if err := out.Close(); err != nil {
		return written, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
	}

	if track.Checksum != "" {
		match, err := e.storage.VerifyChecksum(tempPath, track.Checksum)
		if err != nil {
			return written, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
		}
		if !match {
			return written, retryable(ReasonChecksum, apperrors.ErrTypeTransport, nil)
		}
	}

	if err := ctx.Err(); err != nil {
		return written, err
	}

	var cover []byte
	if e.config.FetchCover && e.covers != nil && track.CoverURL != "" {
		if cover, err = e.covers.Fetch(ctx, track.CoverURL); err != nil {
			logger.Warn("Cover fetch failed", zap.Error(err))
			cover = nil
		}
	}
	if e.config.WriteTags && e.tagger != nil {
		if err := e.tagger.Apply(tempPath, track, cover); err != nil {
			logger.Warn("Tagging failed, keeping untagged file", zap.Error(err))
		}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return written, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
	}
	committed = true

	// Bytes are on disk; the ledger commit must not be abandoned half way.
	commitCtx := context.WithoutCancel(ctx)
	if err := e.downloads.Complete(commitCtx, d.ID, track.ID, finalPath, e.now()); err != nil {
		os.Remove(finalPath)
		if apperrors.IsNotFound(err) {
			return written, errRowGone
		}
		return written, retryable(ReasonRecordFailed, apperrors.ErrTypeDatabase, err)
	}

	if len(cover) > 0 {
		if coverPath, err := e.storage.CoverPath(track.ID); err == nil {
			if err := e.covers.Store(cover, coverPath); err != nil {
				logger.Warn("Failed to store cover", zap.Error(err))
			}
		}
	}

	return written, nil
}

// copyChunks streams body into out in fixed-size chunks, checking for
// cancellation and publishing progress after each one.
func (e *Engine) copyChunks(ctx context.Context, d *store.Download, body io.Reader, out io.Writer, total int64) (int64, error) {
	buf := make([]byte, e.config.ChunkSize)
	var written int64
	lastProgress := -1
	chunks := 0

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, retryable(ReasonSaveFailed, apperrors.ErrTypeFileSystem, err)
			}
			written += int64(n)
			chunks++

			if err := ctx.Err(); err != nil {
				return written, err
			}

			progress := lastProgress
			if total > 0 {
				progress = int(written * 100 / total)
				if progress > 100 {
					progress = 100
				}
			}
			if progress != lastProgress || (total <= 0 && chunks%unknownLengthInterval == 0) {
				if progress < 0 {
					progress = 0
				}
				if err := e.downloads.SetProgressWithBytes(ctx, d.ID, progress, written); err != nil {
					if apperrors.IsNotFound(err) {
						return written, errRowGone
					}
					if ctx.Err() != nil {
						return written, ctx.Err()
					}
					return written, retryable(ReasonRecordFailed, apperrors.ErrTypeDatabase, err)
				}
				lastProgress = progress
				e.sink.NotifyProgress(d.TrackID, progress, written, total)
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, retryable("Network error", apperrors.ErrTypeTransport, readErr)
		}
	}
}

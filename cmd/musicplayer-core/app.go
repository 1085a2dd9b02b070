package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/musicplayer/musicplayer-go/internal/api"
	"github.com/musicplayer/musicplayer-go/internal/config"
	"github.com/musicplayer/musicplayer-go/internal/download"
	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/library"
	"github.com/musicplayer/musicplayer-go/internal/metadata"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/network"
	"github.com/musicplayer/musicplayer-go/internal/server"
	"github.com/musicplayer/musicplayer-go/internal/storage"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB

	tracks    *store.TrackStore
	downloads *store.DownloadStore

	gateway     *storage.Gateway
	notifier    *download.ProgressNotifier
	coordinator *download.Coordinator
	executor    *library.Executor
	library     *library.Repository
	catalog     *api.CatalogClient
	health      *monitoring.HealthChecker
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := monitoring.NewLogger(monitoring.LogConfigFrom(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := store.InitDB(cfg.Download.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", zap.String("path", cfg.Download.DatabasePath), zap.Error(err))
		return nil, err
	}

	gateway, err := storage.NewGateway(storage.Config{
		Dir:               cfg.Download.Dir,
		SpaceMargin:       cfg.Download.SpaceMargin,
		ChecksumAlgorithm: cfg.Download.ChecksumAlgorithm,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	hub := store.NewChangeHub(logger)
	a := &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		tracks:    store.NewTrackStore(db, hub),
		downloads: store.NewDownloadStore(db, hub),
		gateway:   gateway,
		notifier:  download.NewProgressNotifier(),
		health:    monitoring.NewHealthChecker(version, db, gateway),
	}

	retry := retryConfig(cfg.Network)
	client := network.NewDownloadClient(cfg.Download.ConnectTimeoutDuration(), cfg.Download.ReadTimeoutDuration())
	monitor := network.NewProbeMonitor(cfg.Network.ProbeAddress, cfg.Network.WifiInterfaces, 3*time.Second)

	engine := download.NewEngine(a.tracks, a.downloads, gateway, client, monitor, download.EngineConfig{
		WifiOnly:    cfg.Download.WifiOnly,
		ChunkSize:   cfg.Download.ChunkSize,
		ReadTimeout: cfg.Download.ReadTimeoutDuration(),
		WriteTags:   cfg.Download.WriteTags,
		FetchCover:  cfg.Download.FetchCover,
	}, logger,
		download.WithLimiter(network.NewBandwidthLimiter(cfg.Network.BandwidthLimit, cfg.Download.ChunkSize)),
		download.WithTagger(metadata.NewTagger(logger)),
		download.WithCoverFetcher(metadata.NewCoverFetcher(client, cfg.Download.CoverSize, logger)),
		download.WithProgressSink(a.notifier),
	)

	a.coordinator = download.NewCoordinator(a.tracks, a.downloads, gateway, engine, download.CoordinatorConfig{
		Workers:      cfg.Download.ConcurrentDownloads,
		Retry:        retry,
		StaleTempAge: cfg.Download.StaleTempAgeDuration(),
	}, logger)

	a.executor = library.NewExecutor(cfg.Library.Workers, 0, logger)
	a.library = library.NewRepository(store.NewLibraryStore(db, hub), a.tracks, a.executor, cfg.Library.MaxRecent, logger)

	if cfg.Catalog.SourceURL != "" {
		a.catalog = api.NewCatalogClient(cfg.Catalog.SourceURL, cfg.Catalog.RequestsPerSecond, retry, logger)
	}

	return a, nil
}

func retryConfig(cfg config.NetworkConfig) apperrors.RetryConfig {
	retry := apperrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	retry.InitialBackoff = time.Duration(cfg.RetryBaseDelay) * time.Second
	retry.MaxBackoff = time.Duration(cfg.RetryMaxDelay) * time.Second
	return retry
}

// start launches the download workers and the library executor.
func (a *app) start(ctx context.Context) error {
	if err := a.executor.Start(ctx); err != nil {
		return err
	}
	return a.coordinator.Start(ctx)
}

func (a *app) close() {
	a.coordinator.Stop()
	a.executor.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
	a.logger.Sync()
}

func (a *app) server() *server.Server {
	deps := server.Deps{
		Coordinator: a.coordinator,
		Downloads:   a.downloads,
		Tracks:      a.tracks,
		Library:     a.library,
		Notifier:    a.notifier,
		Health:      a.health,
	}
	if a.catalog != nil {
		deps.Catalog = a.catalog
	}
	return server.New(a.cfg.Server.Address, deps, a.logger)
}

// wait blocks until the download with id will not run again, printing
// progress as it changes.
func (a *app) wait(ctx context.Context, id int64, progress func(*store.Download)) (*store.Download, error) {
	d, err := a.downloads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	job, ok := a.coordinator.Pool().Job(d.JobHandle)
	if !ok {
		return d, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := a.downloads.WatchByID(watchCtx, id)

	for {
		select {
		case <-job.Done():
			return a.downloads.GetByID(ctx, id)
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if d != nil && progress != nil {
				progress(d)
			}
		}
	}
}

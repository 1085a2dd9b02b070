package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/monitoring"
	"github.com/musicplayer/musicplayer-go/internal/network"
	"github.com/musicplayer/musicplayer-go/internal/storage"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

// maxCatalogBytes bounds a catalog document.
const maxCatalogBytes = 32 << 20

// CatalogRecord is one track as published by the catalog source.
type CatalogRecord struct {
	ID         string   `json:"id" validate:"required,max=200"`
	Title      string   `json:"title" validate:"required"`
	Artist     string   `json:"artist"`
	Album      string   `json:"album"`
	DurationMs int64    `json:"duration_ms" validate:"gte=0"`
	StreamURL  string   `json:"stream_url" validate:"required,http_url"`
	CoverURL   string   `json:"cover_url" validate:"omitempty,http_url"`
	Tags       []string `json:"tags"`
	Checksum   string   `json:"checksum" validate:"omitempty,hexadecimal"`
	Featured   bool     `json:"featured"`
}

// Track converts the record into a catalog row. Download state is left
// for the store to preserve.
func (r *CatalogRecord) Track() *store.Track {
	return &store.Track{
		ID:         r.ID,
		Title:      r.Title,
		Artist:     r.Artist,
		Album:      r.Album,
		DurationMs: r.DurationMs,
		StreamURL:  r.StreamURL,
		CoverURL:   r.CoverURL,
		Tags:       strings.Join(r.Tags, ", "),
		Checksum:   strings.ToLower(r.Checksum),
		Featured:   r.Featured,
	}
}

type catalogDocument struct {
	Tracks []CatalogRecord `json:"tracks"`
}

// SyncReport summarizes one catalog sync.
type SyncReport struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
}

// CatalogClient pulls track metadata from the catalog source.
type CatalogClient struct {
	httpClient  *http.Client
	sourceURL   string
	rateLimiter *rate.Limiter
	retry       apperrors.RetryConfig
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewCatalogClient creates a client for sourceURL allowing at most
// requestsPerSecond requests.
func NewCatalogClient(sourceURL string, requestsPerSecond float64, retry apperrors.RetryConfig, logger *zap.Logger) *CatalogClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	if retry.RetryableErrors == nil {
		retry.RetryableErrors = apperrors.IsRetryable
	}

	return &CatalogClient{
		httpClient:  network.NewClient(network.DefaultClientConfig()),
		sourceURL:   sourceURL,
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		retry:       retry,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Fetch downloads the catalog document, retrying transient failures.
func (c *CatalogClient) Fetch(ctx context.Context) ([]CatalogRecord, error) {
	if c.sourceURL == "" {
		return nil, apperrors.NewValidationError("catalog source URL is not configured")
	}

	var records []CatalogRecord
	err := apperrors.RetryWithBackoff(ctx, c.retry, func() error {
		var err error
		records, err = c.fetchOnce(ctx)
		if err != nil {
			c.logger.Warn("Catalog fetch failed", zap.String("url", c.sourceURL), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *CatalogClient) fetchOnce(ctx context.Context) ([]CatalogRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid catalog URL: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.doRequest(ctx, req)
	if err != nil {
		monitoring.RecordCatalogRequest("error", time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()
	monitoring.RecordCatalogRequest(strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewHTTPStatusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, apperrors.NewTransportError("failed to read catalog", err)
	}
	return decodeCatalog(body)
}

// doRequest performs an HTTP request with rate limiting
func (c *CatalogClient) doRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("catalog request failed", err)
	}
	return resp, nil
}

// decodeCatalog accepts either {"tracks": [...]} or a bare array.
func decodeCatalog(body []byte) ([]CatalogRecord, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []CatalogRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("malformed catalog: %v", err))
		}
		return records, nil
	}

	var doc catalogDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("malformed catalog: %v", err))
	}
	return doc.Tracks, nil
}

// Validate checks a record. Ids must also be usable as file names.
func (c *CatalogClient) Validate(r *CatalogRecord) error {
	if err := c.validate.Struct(r); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid catalog record %q: %v", r.ID, err))
	}
	return storage.ValidateTrackID(r.ID)
}

// Sync fetches the catalog and upserts every valid record in one
// transaction. Invalid records are skipped and logged.
func (c *CatalogClient) Sync(ctx context.Context, tracks *store.TrackStore) (*SyncReport, error) {
	records, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Fetched: len(records)}
	seen := make(map[string]bool, len(records))
	batch := make([]*store.Track, 0, len(records))
	for i := range records {
		r := &records[i]
		if err := c.Validate(r); err != nil {
			c.logger.Warn("Skipping catalog record", zap.String("track_id", r.ID), zap.Error(err))
			report.Skipped++
			continue
		}
		if seen[r.ID] {
			report.Skipped++
			continue
		}
		seen[r.ID] = true
		batch = append(batch, r.Track())
	}

	if err := tracks.UpsertBatch(ctx, batch); err != nil {
		return nil, apperrors.NewDatabaseError("Failed to store catalog", err)
	}
	report.Upserted = len(batch)

	c.logger.Info("Catalog synced",
		zap.Int("fetched", report.Fetched),
		zap.Int("upserted", report.Upserted),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

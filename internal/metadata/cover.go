package metadata

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

const (
	// DefaultCoverSize is the longest edge of a stored cover in pixels.
	DefaultCoverSize = 600

	maxCoverBytes = 10 << 20
)

// CoverFetcher downloads cover art, scales it down and stores it as JPEG.
type CoverFetcher struct {
	client *http.Client
	size   int
	logger *zap.Logger
}

// NewCoverFetcher creates a cover fetcher. A size <= 0 uses DefaultCoverSize.
func NewCoverFetcher(client *http.Client, size int, logger *zap.Logger) *CoverFetcher {
	if size <= 0 {
		size = DefaultCoverSize
	}
	return &CoverFetcher{
		client: client,
		size:   size,
		logger: logger,
	}
}

// Fetch downloads the image at url and returns it re-encoded as JPEG with
// its longest edge at most the configured size.
func (f *CoverFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, apperrors.NewValidationError("cover URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid cover URL: %v", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("failed to fetch cover", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewHTTPStatusError(resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
	if err != nil {
		return nil, apperrors.NewTransportError("failed to read cover", err)
	}

	return f.scale(data)
}

// Save fetches the cover at url and stores it at destPath. The JPEG bytes
// are returned for embedding.
func (f *CoverFetcher) Save(ctx context.Context, url, destPath string) ([]byte, error) {
	data, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := f.Store(data, destPath); err != nil {
		return nil, err
	}
	return data, nil
}

// Store writes already fetched cover bytes to destPath through a temporary
// file so destPath never holds a partial image.
func (f *CoverFetcher) Store(data []byte, destPath string) error {
	tempPath := destPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return apperrors.NewFileSystemError("failed to write cover", err)
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return apperrors.NewFileSystemError("failed to commit cover", err)
	}

	f.logger.Debug("Saved cover", zap.String("path", destPath), zap.Int("bytes", len(data)))
	return nil
}

func (f *CoverFetcher) scale(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("failed to decode cover: %v", err))
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width > f.size || height > f.size {
		if width >= height {
			img = resize.Resize(uint(f.size), 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, uint(f.size), img, resize.Lanczos3)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

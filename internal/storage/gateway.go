// Package storage maps tracks to files in the download directory and owns
// every filesystem check the download manager relies on.
package storage

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
)

const (
	// DefaultDirName is the download directory created under the data dir.
	DefaultDirName = "music_downloads"
	// DefaultSpaceMargin is the factor applied to a transfer's size before
	// comparing it with free space.
	DefaultSpaceMargin = 1.1

	mediaExtension = ".mp3"
	coverSuffix    = "_cover.jpg"
	tempSuffix     = ".tmp"
)

// Checksum algorithms
const (
	AlgorithmMD5     = "md5"
	AlgorithmSHA256  = "sha256"
	AlgorithmBLAKE2b = "blake2b"
)

// Config configures a Gateway.
type Config struct {
	Dir               string
	SpaceMargin       float64
	ChecksumAlgorithm string

	// FreeSpace overrides the volume free space lookup, e.g. to enforce a
	// quota. Nil uses the filesystem.
	FreeSpace func(path string) (uint64, error)
}

// Gateway resolves and inspects the files of downloaded tracks.
type Gateway struct {
	dir            string
	marginPermille int64
	algorithm      string
	logger         *zap.Logger
	availableSpace func(path string) (uint64, error)
}

// NewGateway creates the download directory if needed and returns a
// Gateway rooted at it.
func NewGateway(cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.Dir == "" {
		return nil, apperrors.NewValidationError("download directory is required")
	}
	if cfg.SpaceMargin == 0 {
		cfg.SpaceMargin = DefaultSpaceMargin
	}
	if cfg.SpaceMargin < 1 {
		return nil, apperrors.NewValidationError(fmt.Sprintf("space margin must be >= 1, got %v", cfg.SpaceMargin))
	}
	if cfg.ChecksumAlgorithm == "" {
		cfg.ChecksumAlgorithm = AlgorithmMD5
	}
	if _, err := newHash(cfg.ChecksumAlgorithm); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = diskFree
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, apperrors.NewFileSystemError("failed to create download directory", err)
	}

	return &Gateway{
		dir:            cfg.Dir,
		marginPermille: int64(math.Round(cfg.SpaceMargin * 1000)),
		algorithm:      cfg.ChecksumAlgorithm,
		logger:         logger,
		availableSpace: cfg.FreeSpace,
	}, nil
}

// Dir returns the download directory.
func (g *Gateway) Dir() string {
	return g.dir
}

// ValidateTrackID rejects ids that cannot be used as a file name inside the
// download directory.
func ValidateTrackID(trackID string) error {
	switch {
	case trackID == "":
		return apperrors.NewValidationError("track id is required")
	case len(trackID) > 200:
		return apperrors.NewValidationError("track id is too long")
	case trackID == "." || strings.Contains(trackID, ".."):
		return apperrors.NewValidationError("track id may not contain '..'")
	case strings.ContainsAny(trackID, "/\\:\x00"):
		return apperrors.NewValidationError("track id contains a path separator")
	}
	for _, r := range trackID {
		if r < 32 {
			return apperrors.NewValidationError("track id contains control characters")
		}
	}
	return nil
}

// MediaPath returns the final location of a track's audio file.
func (g *Gateway) MediaPath(trackID string) (string, error) {
	if err := ValidateTrackID(trackID); err != nil {
		return "", err
	}
	return filepath.Join(g.dir, trackID+mediaExtension), nil
}

// CoverPath returns the location of a track's cover image.
func (g *Gateway) CoverPath(trackID string) (string, error) {
	if err := ValidateTrackID(trackID); err != nil {
		return "", err
	}
	return filepath.Join(g.dir, trackID+coverSuffix), nil
}

// TempPath returns the sibling file a transfer writes before committing to
// finalPath.
func TempPath(finalPath string) string {
	return finalPath + tempSuffix
}

// Contains reports whether path lies inside the download directory.
func (g *Gateway) Contains(path string) bool {
	rel, err := filepath.Rel(filepath.Clean(g.dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Exists reports whether path is a readable regular file with at least one
// byte. Empty files count as absent.
func (g *Gateway) Exists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// AvailableSpace returns the bytes available to this process on the
// volume holding the download directory.
func (g *Gateway) AvailableSpace() (int64, error) {
	free, err := g.availableSpace(g.dir)
	if err != nil {
		return 0, apperrors.NewFileSystemError("failed to read free space", err)
	}
	if free > math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(free), nil
}

// HasSpaceFor reports whether required bytes, inflated by the safety
// margin, fit in the available space. An unreadable volume has no space.
func (g *Gateway) HasSpaceFor(required int64) bool {
	available, err := g.AvailableSpace()
	if err != nil {
		g.logger.Warn("free space check failed", zap.Error(err))
		return false
	}
	return fits(required, available, g.marginPermille)
}

// fits computes required*margin <= available in integer arithmetic.
func fits(required, available, marginPermille int64) bool {
	if required <= 0 {
		return true
	}
	if required > math.MaxInt64/marginPermille {
		return false
	}
	if available > math.MaxInt64/1000 {
		return true
	}
	return required*marginPermille <= available*1000
}

// DeleteMediaAndCover removes both files of a track. A file that does not
// exist counts as deleted.
func (g *Gateway) DeleteMediaAndCover(trackID string) bool {
	media, err := g.MediaPath(trackID)
	if err != nil {
		return false
	}
	cover, _ := g.CoverPath(trackID)

	ok := true
	for _, path := range []string{media, cover} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("failed to delete file", zap.String("path", path), zap.Error(err))
			ok = false
		}
	}
	return ok
}

// Remove deletes a single file, ignoring a missing one.
func (g *Gateway) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.NewFileSystemError("failed to remove "+filepath.Base(path), err)
	}
	return nil
}

// PurgeZeroByteArtifacts removes every empty regular file in the download
// directory and returns how many were removed.
func (g *Gateway) PurgeZeroByteArtifacts() (int, error) {
	return g.purge(func(info os.FileInfo) bool {
		return info.Size() == 0
	})
}

// PurgeStaleTempFiles removes temp files not written to for olderThan.
func (g *Gateway) PurgeStaleTempFiles(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	return g.purge(func(info os.FileInfo) bool {
		return strings.HasSuffix(info.Name(), tempSuffix) && info.ModTime().Before(cutoff)
	})
}

func (g *Gateway) purge(match func(os.FileInfo) bool) (int, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return 0, apperrors.NewFileSystemError("failed to read download directory", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !match(info) {
			continue
		}

		path := filepath.Join(g.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			g.logger.Warn("failed to purge artifact", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// MediaFiles returns the track ids of every committed media file in the
// download directory.
func (g *Gateway) MediaFiles() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, apperrors.NewFileSystemError("failed to read download directory", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasSuffix(name, mediaExtension) {
			ids = append(ids, strings.TrimSuffix(name, mediaExtension))
		}
	}
	return ids, nil
}

// TotalSize returns the combined size of all files in the download
// directory.
func (g *Gateway) TotalSize() (int64, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return 0, apperrors.NewFileSystemError("failed to read download directory", err)
	}

	var total int64
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total, nil
}

// FormatSize renders a byte count for display, e.g. "2.0 KiB".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(bytes))
}

// Checksum returns the hex digest of the file at path using the configured
// algorithm.
func (g *Gateway) Checksum(path string) (string, error) {
	h, err := newHash(g.algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.NewFileSystemError("failed to open file for checksum", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", apperrors.NewFileSystemError("failed to read file for checksum", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the digest of path with expected, ignoring case.
func (g *Gateway) VerifyChecksum(path, expected string) (bool, error) {
	actual, err := g.Checksum(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, strings.TrimSpace(expected)), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case AlgorithmMD5:
		return md5.New(), nil
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported checksum algorithm: %s", algorithm))
	}
}

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, algorithm string) *Gateway {
	t.Helper()
	g, err := NewGateway(Config{
		Dir:               filepath.Join(t.TempDir(), DefaultDirName),
		ChecksumAlgorithm: algorithm,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create gateway: %v", err)
	}
	return g
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNewGateway_CreatesDirectory(t *testing.T) {
	g := newTestGateway(t, "")

	info, err := os.Stat(g.Dir())
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected download directory to exist: %v", err)
	}

	if _, err := NewGateway(Config{Dir: g.Dir(), ChecksumAlgorithm: "crc32"}, nil); err == nil {
		t.Error("Expected error for unsupported checksum algorithm")
	}
	if _, err := NewGateway(Config{Dir: g.Dir(), SpaceMargin: 0.5}, nil); err == nil {
		t.Error("Expected error for margin below 1")
	}
}

func TestPaths(t *testing.T) {
	g := newTestGateway(t, "")

	media, err := g.MediaPath("abc")
	if err != nil {
		t.Fatalf("MediaPath failed: %v", err)
	}
	if media != filepath.Join(g.Dir(), "abc.mp3") {
		t.Errorf("Unexpected media path %s", media)
	}

	cover, _ := g.CoverPath("abc")
	if cover != filepath.Join(g.Dir(), "abc_cover.jpg") {
		t.Errorf("Unexpected cover path %s", cover)
	}

	if TempPath(media) != media+".tmp" {
		t.Errorf("Unexpected temp path %s", TempPath(media))
	}

	if !g.Contains(media) {
		t.Error("Expected media path inside download dir")
	}
	if g.Contains(filepath.Join(g.Dir(), "..", "escape.mp3")) {
		t.Error("Expected path outside download dir to be rejected")
	}
}

func TestValidateTrackID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"abc", true},
		{"track-42_x", true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"a\x00b", false},
		{"a\nb", false},
	}

	for _, tt := range tests {
		err := ValidateTrackID(tt.id)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateTrackID(%q) error = %v, want valid=%v", tt.id, err, tt.valid)
		}
	}
}

func TestExists(t *testing.T) {
	g := newTestGateway(t, "")

	full := filepath.Join(g.Dir(), "full.mp3")
	empty := filepath.Join(g.Dir(), "empty.mp3")
	writeFile(t, full, 10)
	writeFile(t, empty, 0)

	if !g.Exists(full) {
		t.Error("Expected non-empty file to exist")
	}
	if g.Exists(empty) {
		t.Error("Expected zero-length file to count as absent")
	}
	if g.Exists(filepath.Join(g.Dir(), "missing.mp3")) {
		t.Error("Expected missing file to be absent")
	}
	if g.Exists(g.Dir()) {
		t.Error("Expected directory to be absent")
	}
	if g.Exists("") {
		t.Error("Expected empty path to be absent")
	}
}

func TestHasSpaceFor(t *testing.T) {
	g := newTestGateway(t, "")
	g.availableSpace = func(string) (uint64, error) { return 1000, nil }

	if g.HasSpaceFor(910) {
		t.Error("910 * 1.1 = 1001 should not fit in 1000")
	}
	if !g.HasSpaceFor(900) {
		t.Error("900 * 1.1 = 990 should fit in 1000")
	}
	if !g.HasSpaceFor(0) {
		t.Error("Zero bytes should always fit")
	}

	g.availableSpace = func(string) (uint64, error) { return 0, errors.New("statfs failed") }
	if g.HasSpaceFor(1) {
		t.Error("Expected no space when the volume cannot be read")
	}
}

func TestAvailableSpace_RealVolume(t *testing.T) {
	g := newTestGateway(t, "")

	free, err := g.AvailableSpace()
	if err != nil {
		t.Fatalf("AvailableSpace failed: %v", err)
	}
	if free <= 0 {
		t.Errorf("Expected positive free space, got %d", free)
	}
}

func TestDeleteMediaAndCover(t *testing.T) {
	g := newTestGateway(t, "")

	media, _ := g.MediaPath("abc")
	cover, _ := g.CoverPath("abc")
	writeFile(t, media, 5)
	writeFile(t, cover, 5)

	if !g.DeleteMediaAndCover("abc") {
		t.Error("Expected both deletions to succeed")
	}
	if _, err := os.Stat(media); !os.IsNotExist(err) {
		t.Error("Media file still present")
	}

	// Missing files count as deleted
	if !g.DeleteMediaAndCover("abc") {
		t.Error("Expected deletion of missing files to succeed")
	}
	if g.DeleteMediaAndCover("../etc") {
		t.Error("Expected invalid track id to fail")
	}
}

func TestPurgeZeroByteArtifacts(t *testing.T) {
	g := newTestGateway(t, "")

	writeFile(t, filepath.Join(g.Dir(), "a.mp3"), 0)
	writeFile(t, filepath.Join(g.Dir(), "b.mp3.tmp"), 0)
	writeFile(t, filepath.Join(g.Dir(), "c.mp3"), 3)

	removed, err := g.PurgeZeroByteArtifacts()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	ids, _ := g.MediaFiles()
	if len(ids) != 1 || ids[0] != "c" {
		t.Errorf("Expected only c to remain, got %v", ids)
	}
}

func TestPurgeStaleTempFiles(t *testing.T) {
	g := newTestGateway(t, "")

	stale := filepath.Join(g.Dir(), "old.mp3.tmp")
	fresh := filepath.Join(g.Dir(), "new.mp3.tmp")
	writeFile(t, stale, 4)
	writeFile(t, fresh, 4)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Failed to age file: %v", err)
	}

	removed, err := g.PurgeStaleTempFiles(time.Hour)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("Fresh temp file was removed")
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		algorithm string
		expected  string
	}{
		{AlgorithmMD5, "5d41402abc4b2a76b9719d911017c592"},
		{AlgorithmSHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{AlgorithmBLAKE2b, "324dcf027dd4a30a932c441f365a25e86b173defa4b8e58948253471b81b72cf"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			g := newTestGateway(t, tt.algorithm)
			path := filepath.Join(g.Dir(), "hello.mp3")
			if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
				t.Fatalf("Failed to write file: %v", err)
			}

			sum, err := g.Checksum(path)
			if err != nil {
				t.Fatalf("Checksum failed: %v", err)
			}
			if sum != tt.expected {
				t.Errorf("Checksum = %s, want %s", sum, tt.expected)
			}

			ok, err := g.VerifyChecksum(path, " "+tt.expected+" ")
			if err != nil || !ok {
				t.Errorf("VerifyChecksum = %v, %v", ok, err)
			}
		})
	}
}

func TestTotalSizeAndFormat(t *testing.T) {
	g := newTestGateway(t, "")
	writeFile(t, filepath.Join(g.Dir(), "a.mp3"), 1024)
	writeFile(t, filepath.Join(g.Dir(), "b.mp3"), 1024)

	total, err := g.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize failed: %v", err)
	}
	if total != 2048 {
		t.Errorf("Expected 2048, got %d", total)
	}
	if got := FormatSize(total); got != "2.0 KiB" {
		t.Errorf("FormatSize(2048) = %q", got)
	}
	if got := FormatSize(0); got != "0 B" {
		t.Errorf("FormatSize(0) = %q", got)
	}
}

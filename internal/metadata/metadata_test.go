package metadata

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/musicplayer/musicplayer-go/internal/store"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestTaggerApplyAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.mp3.tmp")
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 256)
	if err := os.WriteFile(path, audio, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tagger := NewTagger(zaptest.NewLogger(t))
	track := &store.Track{
		ID:         "t1",
		Title:      "Song",
		Artist:     "Artist",
		Album:      "Album",
		Tags:       "jazz",
		DurationMs: 180000,
	}
	if err := tagger.Apply(path, track, []byte{0xFF, 0xD8, 0xFF, 0xD9}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	tags, err := tagger.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if tags.Title != "Song" || tags.Artist != "Artist" || tags.Album != "Album" {
		t.Errorf("unexpected tags: %+v", tags)
	}
	if tags.Genre != "jazz" {
		t.Errorf("expected genre jazz, got %q", tags.Genre)
	}
	if tags.DurationMs != 180000 {
		t.Errorf("expected duration 180000, got %d", tags.DurationMs)
	}
	if !tags.HasCover {
		t.Error("expected embedded cover")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.HasSuffix(data, audio) {
		t.Error("audio payload should follow the tag unchanged")
	}
}

func TestTaggerApplyNilTrack(t *testing.T) {
	tagger := NewTagger(zaptest.NewLogger(t))
	if err := tagger.Apply(filepath.Join(t.TempDir(), "x"), nil, nil); err == nil {
		t.Error("expected error for nil track")
	}
}

func TestCoverFetcherScalesDown(t *testing.T) {
	src := pngBytes(t, 1200, 800)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(src)
	}))
	defer server.Close()

	fetcher := NewCoverFetcher(server.Client(), 600, zaptest.NewLogger(t))
	dest := filepath.Join(t.TempDir(), "t1_cover.jpg")

	data, err := fetcher.Save(context.Background(), server.URL, dest)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("result is not a jpeg: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 600 || b.Dy() != 400 {
		t.Errorf("expected 600x400, got %dx%d", b.Dx(), b.Dy())
	}

	onDisk, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("cover not written: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("written cover differs from returned bytes")
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary cover file should not remain")
	}
}

func TestCoverFetcherKeepsSmallImages(t *testing.T) {
	src := pngBytes(t, 100, 50)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(src)
	}))
	defer server.Close()

	fetcher := NewCoverFetcher(server.Client(), 0, zaptest.NewLogger(t))
	data, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestCoverFetcherErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("not an image"))
	}))
	defer server.Close()

	fetcher := NewCoverFetcher(server.Client(), 600, zaptest.NewLogger(t))
	ctx := context.Background()

	if _, err := fetcher.Fetch(ctx, ""); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := fetcher.Fetch(ctx, server.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
	if _, err := fetcher.Fetch(ctx, server.URL+"/garbage"); err == nil {
		t.Error("expected decode error")
	}
}

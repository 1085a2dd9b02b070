package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

const catalogJSON = `{"tracks": [
	{"id": "a1", "title": "First", "artist": "Band", "duration_ms": 180000,
	 "stream_url": "https://cdn.example.com/a1.mp3", "cover_url": "https://cdn.example.com/a1.jpg",
	 "tags": ["rock", "live"], "checksum": "ABCDEF01", "featured": true},
	{"id": "a2", "title": "Second", "stream_url": "https://cdn.example.com/a2.mp3"},
	{"id": "a2", "title": "Duplicate", "stream_url": "https://cdn.example.com/dup.mp3"},
	{"id": "", "title": "No id", "stream_url": "https://cdn.example.com/x.mp3"},
	{"id": "../evil", "title": "Traversal", "stream_url": "https://cdn.example.com/x.mp3"},
	{"id": "a3", "title": "Bad URL", "stream_url": "ftp://cdn.example.com/a3.mp3"},
	{"id": "a4", "title": "", "stream_url": "https://cdn.example.com/a4.mp3"}
]}`

func testRetry(maxRetries int) apperrors.RetryConfig {
	return apperrors.RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func serveCatalog(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func setupTrackStore(t *testing.T) *store.TrackStore {
	t.Helper()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewTrackStore(db, store.NewChangeHub(zaptest.NewLogger(t)))
}

func TestCatalogClientSync(t *testing.T) {
	server := serveCatalog(catalogJSON)
	defer server.Close()

	tracks := setupTrackStore(t)
	ctx := context.Background()

	// Existing download state survives a sync.
	tracks.Upsert(ctx, &store.Track{ID: "a2", Title: "Old", StreamURL: "https://old"})
	tracks.SetDownloaded(ctx, "a2", "/music/a2.mp3")

	client := NewCatalogClient(server.URL, 100, testRetry(0), zaptest.NewLogger(t))
	report, err := client.Sync(ctx, tracks)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := SyncReport{Fetched: 7, Upserted: 2, Skipped: 5}
	if *report != want {
		t.Errorf("Expected %+v, got %+v", want, *report)
	}

	a1, err := tracks.GetByID(ctx, "a1")
	if err != nil {
		t.Fatalf("Expected a1 in catalog: %v", err)
	}
	if a1.Tags != "rock, live" || a1.Checksum != "abcdef01" || !a1.Featured || a1.DurationMs != 180000 {
		t.Errorf("Unexpected track %+v", a1)
	}

	a2, _ := tracks.GetByID(ctx, "a2")
	if a2.Title != "Second" || !a2.IsDownloaded || a2.LocalPath != "/music/a2.mp3" {
		t.Errorf("Expected metadata update with download state kept, got %+v", a2)
	}

	for _, id := range []string{"a3", "a4"} {
		if _, err := tracks.GetByID(ctx, id); !apperrors.IsNotFound(err) {
			t.Errorf("Invalid record %s should not be stored", id)
		}
	}
}

func TestCatalogClientAcceptsBareArray(t *testing.T) {
	server := serveCatalog(`[{"id": "b1", "title": "Only", "stream_url": "http://cdn.example.com/b1.mp3"}]`)
	defer server.Close()

	client := NewCatalogClient(server.URL, 100, testRetry(0), zaptest.NewLogger(t))
	records, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "b1" {
		t.Errorf("Unexpected records %+v", records)
	}
}

func TestCatalogClientRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(catalogJSON))
	}))
	defer server.Close()

	client := NewCatalogClient(server.URL, 1000, testRetry(3), zaptest.NewLogger(t))
	records, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 7 {
		t.Errorf("Expected 7 records, got %d", len(records))
	}
	if requests.Load() != 3 {
		t.Errorf("Expected 3 requests, got %d", requests.Load())
	}
}

func TestCatalogClientErrors(t *testing.T) {
	malformed := serveCatalog(`{"tracks": [`)
	defer malformed.Close()

	tests := []struct {
		name     string
		url      string
		wantType apperrors.ErrorType
	}{
		{"not configured", "", apperrors.ErrTypeValidation},
		{"malformed document", malformed.URL, apperrors.ErrTypeValidation},
		{"unreachable", "http://127.0.0.1:1/catalog.json", apperrors.ErrTypeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewCatalogClient(tt.url, 1000, testRetry(1), zaptest.NewLogger(t))
			_, err := client.Fetch(context.Background())
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := apperrors.GetErrorType(err); got != tt.wantType {
				t.Errorf("Expected %s, got %s (%v)", tt.wantType, got, err)
			}
		})
	}
}

func TestCatalogClientRateLimits(t *testing.T) {
	server := serveCatalog(`[]`)
	defer server.Close()

	client := NewCatalogClient(server.URL, 10, testRetry(0), zaptest.NewLogger(t))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Fetch(ctx); err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected requests to be spaced by the limiter, took %v", elapsed)
	}
}

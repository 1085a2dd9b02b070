package network

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()

	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("Expected connect timeout 30s, got %v", config.ConnectTimeout)
	}
	if config.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("Expected response header timeout 30s, got %v", config.ResponseHeaderTimeout)
	}
}

func TestNewDownloadClient(t *testing.T) {
	client := NewDownloadClient(5*time.Second, 7*time.Second)

	if client.Timeout != 0 {
		t.Errorf("Expected no overall timeout for downloads, got %v", client.Timeout)
	}

	ua, ok := client.Transport.(*userAgentTransport)
	if !ok {
		t.Fatalf("Expected user agent transport, got %T", client.Transport)
	}
	transport := ua.next.(*http.Transport)
	if transport.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("Expected header timeout 7s, got %v", transport.ResponseHeaderTimeout)
	}
}

func TestClientSetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	resp, err := NewClient(nil).Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if got != "musicplayer/1.0" {
		t.Errorf("Expected user agent musicplayer/1.0, got %q", got)
	}
}

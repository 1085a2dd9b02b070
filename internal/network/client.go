package network

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds configuration for HTTP client
type ClientConfig struct {
	// Timeout bounds a whole request including the body. Zero means no
	// limit, which is what streaming downloads want.
	Timeout               time.Duration
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	UserAgent             string
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:               30 * time.Second,
		ConnectTimeout:        30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		UserAgent:             "musicplayer/1.0",
	}
}

// NewClient creates a new HTTP client with pooled connections
func NewClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var rt http.RoundTripper = transport
	if config.UserAgent != "" {
		rt = &userAgentTransport{next: transport, userAgent: config.UserAgent}
	}

	return &http.Client{
		Timeout:   config.Timeout,
		Transport: rt,
	}
}

// NewDownloadClient returns a client for streaming media. Connect and
// response-header waits are bounded; the body has no overall deadline and
// relies on an idle read timeout instead.
func NewDownloadClient(connectTimeout, readTimeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = 0
	config.ConnectTimeout = connectTimeout
	config.ResponseHeaderTimeout = readTimeout
	return NewClient(config)
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(req)
}

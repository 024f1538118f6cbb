package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single page request when no timeout is configured.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum accepted size of one page (32MB).
	MaxResponseSize = 32 * 1024 * 1024

	// UserAgent is sent with every page request.
	UserAgent = "checksync/1.0"
)

// Client performs the HTTP GET calls of the fetcher.
type Client interface {
	// Get performs a GET request with the given extra headers and returns
	// the response body. Non-2xx responses are returned as *HTTPError.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
}

// HTTPError is returned for a non-success HTTP status.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// DefaultClient is the net/http implementation of Client. Each call is
// bounded by the client timeout.
type DefaultClient struct {
	client *http.Client
}

// NewDefaultClient creates a client with the given per-request timeout.
// If timeout is 0, DefaultTimeout is used.
func NewDefaultClient(timeout time.Duration) *DefaultClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DefaultClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Get performs an HTTP GET request.
func (c *DefaultClient) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Message: resp.Status}
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// Read one byte past the limit to detect oversized bodies without a
	// Content-Length header.
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return body, nil
}

// Credentials authenticate the page requests. Either the key pair (sent as
// basic auth) or the bearer token must be set.
type Credentials struct {
	KeyID     string
	KeySecret string
	Token     string
}

// Present reports whether usable credentials are configured.
func (c Credentials) Present() bool {
	return c.Token != "" || (c.KeyID != "" && c.KeySecret != "")
}

// header returns the Authorization header for the credentials. The key pair
// takes precedence over the token when both are set.
func (c Credentials) header() http.Header {
	h := http.Header{}
	switch {
	case c.KeyID != "" && c.KeySecret != "":
		token := base64.StdEncoding.EncodeToString([]byte(c.KeyID + ":" + c.KeySecret))
		h.Set("Authorization", "Basic "+token)
	case c.Token != "":
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

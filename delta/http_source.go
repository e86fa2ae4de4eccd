package delta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for frame fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per frame.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxFrameBytes limits a frame body to 1 GiB.
	maxFrameBytes = 1 << 30
)

// errFrameNotFound marks a 404, which is not retried.
var errFrameNotFound = errors.New("frame not found")

// FetchOption configures an HTTPSource.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// HTTPSource fetches one binary PLY per frame from a URL pattern such as
// "http://host/frames/frame_%04d.ply".
type HTTPSource struct {
	URLPattern string
	cfg        fetchConfig
	client     *http.Client
}

// NewHTTPSource returns a source for urlPattern.
func NewHTTPSource(urlPattern string, opts ...FetchOption) (*HTTPSource, error) {
	if urlPattern == "" {
		return nil, fmt.Errorf("http source: URL is empty")
	}
	if !strings.Contains(urlPattern, "%") {
		return nil, fmt.Errorf("http source: URL %q has no frame verb", urlPattern)
	}
	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &HTTPSource{URLPattern: urlPattern, cfg: cfg, client: client}, nil
}

// URL returns the address of frame.
func (s *HTTPSource) URL(frame int) string {
	return fmt.Sprintf(s.URLPattern, frame)
}

// LoadFrame fetches and decodes frame, retrying transient failures with
// exponential backoff. A 404 is reported as unavailable without retrying.
func (s *HTTPSource) LoadFrame(ctx context.Context, frame int) (*PointSet, error) {
	url := s.URL(frame)

	var lastErr error
	for attempt := range s.cfg.maxRetries {
		if attempt > 0 {
			backoff := s.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, s.client, url)
		if errors.Is(err, errFrameNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		ps, err := readPLY(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			// Parse errors are not transient; do not retry.
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		if err := ps.Validate(); err != nil {
			return nil, err
		}
		return ps, nil
	}

	return nil, fmt.Errorf("%w: all %d attempts failed: %v", ErrSourceUnavailable, s.cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, errFrameNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}

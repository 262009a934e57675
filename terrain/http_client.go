package terrain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for patch fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxPatchBytes caps a downloaded patch at 256 MB.
	maxPatchBytes = 256 << 20
)

// ErrPatchTooLarge is returned when a patch download exceeds maxPatchBytes.
var ErrPatchTooLarge = errors.New("patch too large")

// FetchOption configures FetchPatch.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	attempts    int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		attempts:    DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) { c.attempts = n }
}

// WithBaseBackoff sets the delay before the second attempt. Each later
// attempt waits twice as long as the one before.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.baseBackoff = d }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// statusError is a non-200 answer from the patch server.
type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.url, e.status)
}

// retryable reports whether another attempt could succeed. Transport
// failures, 5xx and 429 are transient. Client errors and bad payloads are not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	return !errors.Is(err, ErrPatchTooLarge)
}

// FetchPatch downloads a patch export from url and builds the patch.
func FetchPatch(ctx context.Context, url string, opts ...FetchOption) (*Patch, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch patch: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.attempts = max(cfg.attempts, 1)

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	body, err := fetchWithRetry(ctx, client, url, cfg)
	if err != nil {
		return nil, fmt.Errorf("fetch patch: %w", err)
	}

	pd, err := ParsePatchJSON(body)
	if err != nil {
		return nil, fmt.Errorf("fetch patch %s: %w", url, err)
	}
	p, err := pd.Patch()
	if err != nil {
		return nil, fmt.Errorf("fetch patch %s: %w", url, err)
	}
	return p, nil
}

func fetchWithRetry(ctx context.Context, client *http.Client, url string, cfg fetchConfig) ([]byte, error) {
	wait := cfg.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		body, err := download(ctx, client, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == cfg.attempts {
			break
		}

		log.Printf("[FETCH] %s: attempt %d/%d failed: %v (retrying in %s)", url, attempt, cfg.attempts, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", cfg.attempts, lastErr)
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: url, status: resp.StatusCode}
	}

	// One byte past the cap tells a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPatchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(body) > maxPatchBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrPatchTooLarge, url, maxPatchBytes)
	}
	return body, nil
}

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"martetl/internal/config"
)

const (
	defaultTimeout = 60 * time.Second
	maxRedirects   = 5
)

// newClient builds the HTTP client used for source and manifest fetches.
// Transport limits match the downloader so both sides reuse connections the
// same way.
func newClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

func openHTTP(ctx context.Context, h config.HTTPSource) (io.ReadCloser, error) {
	timeout := defaultTimeout
	if h.Timeout != "" {
		d, err := time.ParseDuration(h.Timeout)
		if err != nil {
			return nil, fmt.Errorf("source: bad timeout %q: %w", h.Timeout, err)
		}
		timeout = d
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request %s: %w", h.URL, err)
	}

	resp, err := newClient(timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: GET %s: %w", h.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused before reporting the status.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("source: GET %s: status %d", h.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

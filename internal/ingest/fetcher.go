package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// Fetcher downloads submission payloads referenced by URL
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher with a per-request timeout and a payload size limit
func NewFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Fetch returns the body at fileURL
func (f *Fetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.Parse(fileURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.NewValidationError("file_url", "must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("payload download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewUpstreamError(fmt.Errorf("payload download failed with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("failed to read payload: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, domain.NewValidationError("file_url", fmt.Sprintf("payload exceeds %d bytes", f.maxBytes))
	}

	f.logger.Debug("Payload downloaded",
		slog.String("host", u.Host),
		slog.Int("bytes", len(body)),
	)

	return body, nil
}

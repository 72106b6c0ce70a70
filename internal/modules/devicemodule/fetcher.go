package devicemodule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	signageerrors "github.com/mantonx/signage/internal/errors"
)

// maxDocumentSize bounds a configuration document read.
const maxDocumentSize = 8 << 20

var errCircuitOpen = errors.New("configuration server circuit open")

// Source yields raw configuration documents for a device.
type Source interface {
	Fetch(ctx context.Context, deviceID string) ([]byte, error)
}

// Fetcher pulls the device configuration document over HTTP.
type Fetcher struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	logger  hclog.Logger
}

// NewFetcher creates a fetcher for documents under baseURL.
func NewFetcher(baseURL string, timeout time.Duration, breaker *CircuitBreaker, logger hclog.Logger) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// URLFor returns the document URL of a device.
func (f *Fetcher) URLFor(deviceID string) string {
	return f.baseURL + "/" + url.PathEscape(deviceID) + "/"
}

// Fetch downloads the raw document. Every failure is a CONFIG_FETCH_ERROR.
func (f *Fetcher) Fetch(ctx context.Context, deviceID string) ([]byte, error) {
	target := f.URLFor(deviceID)

	if f.breaker != nil && !f.breaker.Allow() {
		return nil, signageerrors.NewConfigFetchError(target, errCircuitOpen)
	}

	body, err := f.fetch(ctx, target)
	if f.breaker != nil {
		if err != nil {
			f.breaker.RecordFailure()
		} else {
			f.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return nil, signageerrors.NewConfigFetchError(target, err)
	}

	f.logger.Debug("device configuration fetched", "url", target, "bytes", len(body))
	return body, nil
}

func (f *Fetcher) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentSize)
	}
	return body, nil
}

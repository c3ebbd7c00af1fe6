package marketdata

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/finbase/marketsync/internal/apperrors"
)

const (
	httpRequestTimeout = 20 * time.Second
	httpMaxAttempts    = 3
	httpBaseDelay      = 1 * time.Second
	httpUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// HTTPClient is the shared provider HTTP client. It performs GETs with a
// browser-class User-Agent and retries transient failures with exponential
// backoff (base * 2^(attempt-1)).
//
// Retryable: network errors, HTTP 5xx, HTTP 429.
// Terminal:  HTTP 404 (apperrors.ErrTickerNotFound), other 4xx
// (apperrors.ErrBadRequest). Exhausted retries surface as
// apperrors.ErrProviderUnavailable, distinguishable from "no data".
type HTTPClient struct {
	client      *http.Client
	maxAttempts uint64
	baseDelay   time.Duration
}

// NewHTTPClient creates a pooled client with the default timeout and retry
// policy.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client:      &http.Client{Timeout: httpRequestTimeout},
		maxAttempts: httpMaxAttempts,
		baseDelay:   httpBaseDelay,
	}
}

// GetJSON fetches rawURL (with optional query params) and decodes the JSON
// body into v.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, params url.Values, v any) error {
	body, err := c.get(ctx, rawURL, params, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	return nil
}

// GetCSV fetches rawURL and parses the body as CSV rows.
func (c *HTTPClient) GetCSV(ctx context.Context, rawURL string, params url.Values) ([][]string, error) {
	body, err := c.get(ctx, rawURL, params, "text/csv")
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	return rows, nil
}

func (c *HTTPClient) get(ctx context.Context, rawURL string, params url.Values, accept string) ([]byte, error) {
	fullURL := rawURL
	if len(params) > 0 {
		fullURL = rawURL + "?" + params.Encode()
	}

	var body []byte
	backoff := retry.WithMaxRetries(c.maxAttempts-1, retry.NewExponential(c.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
		}
		req.Header.Set("User-Agent", httpUserAgent)
		req.Header.Set("Accept", accept)

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(apperrors.ErrRateLimited)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("server error: status %d", resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return apperrors.ErrTickerNotFound
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: status %d", apperrors.ErrBadRequest, resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if isTerminal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrProviderUnavailable, err)
	}
	return body, nil
}

func isTerminal(err error) bool {
	return errors.Is(err, apperrors.ErrTickerNotFound) || errors.Is(err, apperrors.ErrBadRequest)
}

// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package fetch is the HTTP boundary shared by the upstream feed sources.
// Transient failures are retried here with exponential backoff; throttling
// and missing documents are not.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/types"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 5
	maxResponseSize   = 512 * 1024 * 1024 // 512 MB
)

// ErrNotFound is returned for HTTP 404 so callers can fall back to another
// document. It also matches types.ErrFeedUnavailable.
var ErrNotFound = fmt.Errorf("%w: document not found", types.ErrFeedUnavailable)

// Options tunes a Client.
type Options struct {
	Timeout    time.Duration
	MaxRetries uint64
	Header     http.Header
	// NewBackOff overrides the retry schedule, mainly for tests.
	NewBackOff func() backoff.BackOff
}

// Client downloads upstream documents.
type Client struct {
	http       *http.Client
	header     http.Header
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

// New creates a Client. A zero Options value uses a 60s timeout and five
// retries.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		header:     opts.Header.Clone(),
		maxRetries: opts.MaxRetries,
		newBackOff: opts.NewBackOff,
		logger:     logger,
	}
}

// Get downloads url and returns the response body. Network errors and 5xx
// responses are retried; 403/429 fail with types.ErrRateLimitExceeded, 404
// with ErrNotFound and everything else with types.ErrFeedUnavailable.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		data, err := c.get(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var perm *permanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(perm.err)
			}
			return err
		}
		body = data
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying download", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, types.ErrRateLimitExceeded) || errors.Is(err, types.ErrFeedUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrFeedUnavailable, err)
	}
	return body, nil
}

// GetGzip downloads url and decompresses the gzip body.
func (c *Client) GetGzip(ctx context.Context, url string) ([]byte, error) {
	data, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return Gunzip(data)
}

// Gunzip decompresses data. Output larger than maxResponseSize is rejected.
func Gunzip(data []byte) ([]byte, error) {
	return gunzip(data, maxResponseSize)
}

func gunzip(data []byte, limit int64) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: creating gzip reader: %v", types.ErrFeedUnavailable, err)
	}
	defer gz.Close()

	out, err := readLimited(gz, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reading gzip data: %v", types.ErrFeedUnavailable, err)
	}
	return out, nil
}

// readLimited reads r fully and fails instead of truncating when r holds
// more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", types.ErrFeedUnavailable, limit)
	}
	return data, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("%w: building request for %s: %v", types.ErrFeedUnavailable, url, err)}
	}
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &permanentError{fmt.Errorf("%w: %s", ErrNotFound, url)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &permanentError{fmt.Errorf("%w: HTTP %d for %s", types.ErrRateLimitExceeded, resp.StatusCode, url)}
	case resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &permanentError{fmt.Errorf("%w: HTTP %d for %s", types.ErrFeedUnavailable, resp.StatusCode, url)}
	}

	data, err := readLimited(resp.Body, maxResponseSize)
	if errors.Is(err, types.ErrFeedUnavailable) {
		return nil, &permanentError{fmt.Errorf("%s: %w", url, err)}
	}
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

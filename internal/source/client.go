// Package source fetches a wallet's fills and funding payments from the
// exchange info API.
//
// Both fetches page forward by timestamp: each request starts at the last
// record's time + 1 ms. Paging stops on an empty page, after a short page,
// or when the page (or record) cap is reached. HTTP 429 is retried with a
// linear backoff capped at BackoffMax; any other non-2xx aborts the fetch.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/config"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/trace"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/wallet"
)

const (
	endpointFills   = "userFillsByTime"
	endpointFunding = "userFunding"
)

var (
	// ErrRateLimited is returned once 429 retries are exhausted.
	ErrRateLimited = errors.New("source: rate limited")
	// ErrTimeout is returned when a single upstream call exceeds its timeout.
	ErrTimeout = errors.New("source: upstream timeout")
)

// APIError is a non-2xx, non-429 response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source: API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	host       string
	httpClient *http.Client
	cfg        config.SourceConfig
	logger     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(httpClient *http.Client, cfg config.SourceConfig, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host := cfg.BaseURL
	if host == "" {
		host = "https://api.hyperliquid.xyz"
	}
	if cfg.FillsPageSize <= 0 {
		cfg.FillsPageSize = 2000
	}
	if cfg.FundingPageSize <= 0 {
		cfg.FundingPageSize = 500
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// FetchFills returns every fill for user in [start, end). A zero end means
// "up to now".
func (c *Client) FetchFills(ctx context.Context, user string, start, end time.Time) ([]Fill, error) {
	ctx, span := trace.StartSpan(ctx, "source.FetchFills")
	defer span.End()
	span.SetAttributes(attribute.String("wallet", user))

	fills, err := fetchPaged(ctx, c, endpointFills, user, start, end, c.cfg.FillsPageSize, c.cfg.MaxFills, decodeFill)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("records", len(fills)))
	return fills, err
}

// FetchFunding returns every funding payment for user in [start, end).
func (c *Client) FetchFunding(ctx context.Context, user string, start, end time.Time) ([]Funding, error) {
	ctx, span := trace.StartSpan(ctx, "source.FetchFunding")
	defer span.End()
	span.SetAttributes(attribute.String("wallet", user))

	funding, err := fetchPaged(ctx, c, endpointFunding, user, start, end, c.cfg.FundingPageSize, 0, decodeFunding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("records", len(funding)))
	return funding, err
}

func fetchPaged[T any](
	ctx context.Context,
	c *Client,
	endpoint, user string,
	start, end time.Time,
	pageSize, maxRecords int,
	decode func(json.RawMessage) (T, int64, error),
) ([]T, error) {
	log := c.logger.With(zap.String("endpoint", endpoint), zap.String("wallet", wallet.Short(user)))

	req := infoRequest{Type: endpoint, User: user, StartTime: start.UnixMilli()}
	var endMs int64
	if !end.IsZero() {
		endMs = end.UnixMilli()
		last := endMs - 1
		req.EndTime = &last
	}

	var out []T
	for page := 0; ; page++ {
		if page >= c.cfg.MaxPages {
			log.Warn("page cap reached, history truncated", zap.Int("pages", page), zap.Int("records", len(out)))
			return out, nil
		}

		raws, err := c.post(ctx, endpoint, req)
		if err != nil {
			return nil, err
		}
		if len(raws) == 0 {
			return out, nil
		}

		var lastTime int64
		for _, raw := range raws {
			v, ts, err := decode(raw)
			if err != nil {
				return nil, fmt.Errorf("source: decode %s record: %w", endpoint, err)
			}
			out = append(out, v)
			lastTime = ts
		}
		log.Debug("page fetched", zap.Int("page", page), zap.Int("size", len(raws)), zap.Int64("cursor", req.StartTime))

		if maxRecords > 0 && len(out) >= maxRecords {
			log.Warn("record cap reached, history truncated", zap.Int("max", maxRecords))
			return out[:maxRecords], nil
		}
		if len(raws) < pageSize {
			return out, nil
		}
		next := lastTime + 1
		if next <= req.StartTime {
			// A full page sharing one timestamp would loop forever.
			log.Warn("cursor did not advance", zap.Int64("cursor", req.StartTime))
			return out, nil
		}
		if endMs > 0 && next >= endMs {
			return out, nil
		}
		req.StartTime = next
	}
}

// post sends one info request, retrying on 429.
func (c *Client) post(ctx context.Context, endpoint string, body infoRequest) ([]json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("source: encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		raws, status, err := c.do(ctx, endpoint, payload)
		if err == nil {
			return raws, nil
		}
		if status != http.StatusTooManyRequests {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("%w: %s gave up after %d retries", ErrRateLimited, endpoint, attempt)
		}

		wait := c.backoff(attempt)
		metrics.UpstreamRetries.WithLabelValues(endpoint).Inc()
		c.logger.Warn("rate limited, backing off",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := time.Duration(attempt+1) * c.cfg.BackoffStep
	if wait > c.cfg.BackoffMax {
		wait = c.cfg.BackoffMax
	}
	return wait
}

// do performs a single HTTP call bounded by cfg.Timeout.
func (c *Client) do(ctx context.Context, endpoint string, payload []byte) ([]json.RawMessage, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.host+"/info", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("source: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, c.callError(ctx, callCtx, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, c.callError(ctx, callCtx, endpoint, err)
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrRateLimited, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("source: decode %s page: %w", endpoint, err)
	}
	return raws, resp.StatusCode, nil
}

func (c *Client) callError(parent, call context.Context, endpoint string, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "timeout").Inc()
		return fmt.Errorf("%w: %s after %s", ErrTimeout, endpoint, c.cfg.Timeout)
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "timeout").Inc()
		return fmt.Errorf("%w: %s: %v", ErrTimeout, endpoint, parent.Err())
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
	return fmt.Errorf("source: %s request failed: %w", endpoint, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

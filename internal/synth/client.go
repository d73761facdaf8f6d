package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/types"
	"github.com/okian/demandcast/pkg/logger"
)

const (
	defaultBatchSize      = 500
	defaultClientTimeout  = 30 * time.Second
	defaultMaxElapsedTime = 2 * time.Minute
)

// Client feeds generated observations to a running service over HTTP.
type Client struct {
	baseURL        string
	http           *http.Client
	batchSize      int
	maxElapsedTime time.Duration
	logger         logger.Logger
}

// ClientOption applies a configuration option to the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBatchSize sets how many observations go into one request.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxElapsedTime bounds retries of one request.
func WithMaxElapsedTime(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.maxElapsedTime = d
		}
	}
}

// WithClientLogger sets a custom logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        baseURL,
		http:           &http.Client{Timeout: defaultClientTimeout},
		batchSize:      defaultBatchSize,
		maxElapsedTime: defaultMaxElapsedTime,
		logger:         logger.Default().Named("synth-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Submit posts obs in batches and sums the acknowledgements.
func (c *Client) Submit(ctx context.Context, obs []model.Observation) (types.IngestResponse, error) {
	var total types.IngestResponse
	for start := 0; start < len(obs); start += c.batchSize {
		end := min(start+c.batchSize, len(obs))
		batch := make([]types.Observation, 0, end-start)
		for _, o := range obs[start:end] {
			batch = append(batch, types.FromModel(o))
		}

		var ack types.IngestResponse
		if err := c.do(ctx, http.MethodPost, "/observations", batch, &ack); err != nil {
			return total, fmt.Errorf("submit batch at %d: %w", start, err)
		}
		total.Accepted += ack.Accepted
		total.Duplicates += ack.Duplicates
		total.Rejected += ack.Rejected
		c.logger.Debug(ctx, "batch submitted",
			logger.Int("size", len(batch)),
			logger.Int("accepted", ack.Accepted),
			logger.Int("duplicates", ack.Duplicates),
		)
	}
	return total, nil
}

// Forecast fetches GET /forecast for entity.
func (c *Client) Forecast(ctx context.Context, entity string, horizon int) (types.ForecastResponse, error) {
	q := url.Values{"entity": {entity}, "horizon": {strconv.Itoa(horizon)}}
	var out types.ForecastResponse
	err := c.do(ctx, http.MethodGet, "/forecast?"+q.Encode(), nil, &out)
	return out, err
}

// do sends one request, retrying throttled or unavailable replies with
// exponential backoff. Other failures are permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: %w", method, path, err))
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			var e types.ErrorResponse
			_ = json.Unmarshal(data, &e)
			return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsedTime
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

package metricsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/releasegate/releasegate/internal/retry"
)

// HTTPClientConfig configures the Prometheus-API-compatible client.
type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

// HTTPClient queries a Prometheus-style HTTP API (/api/v1/query and
// /api/v1/query_range). Transient failures are retried with bounded backoff;
// rate limiting and 5xx are transient, 4xx are permanent.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
}

// NewHTTPClient validates the config and builds the client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("metrics base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		policy:  cfg.Retry,
	}, nil
}

func (c *HTTPClient) InstantQuery(ctx context.Context, query string, at time.Time) ([]Sample, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("time", formatUnix(at))
	return c.do(ctx, "/api/v1/query", params)
}

func (c *HTTPClient) RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", formatUnix(start))
	params.Set("end", formatUnix(end))
	params.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))
	return c.do(ctx, "/api/v1/query_range", params)
}

func (c *HTTPClient) do(ctx context.Context, path string, params url.Values) ([]Sample, error) {
	u := c.baseURL + path + "?" + params.Encode()

	var samples []Sample
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent{Err: fmt.Errorf("build metrics request: %w", err)}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("metrics backend unavailable: %s", resp.Status)
		default:
			return retry.Permanent{Err: fmt.Errorf("metrics query rejected: %s", resp.Status)}
		}

		parsed, err := parseResponse(resp)
		if err != nil {
			return retry.Permanent{Err: err}
		}
		samples = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// apiResponse mirrors the Prometheus HTTP API envelope. Vector and matrix
// result types are flattened into one sample stream.
type apiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Value  []json.RawMessage   `json:"value"`
			Values [][]json.RawMessage `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func parseResponse(resp *http.Response) ([]Sample, error) {
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("metrics query status %q", body.Status)
	}

	var out []Sample
	for _, r := range body.Data.Result {
		if len(r.Value) == 2 {
			if s, ok := parsePair(r.Value); ok {
				out = append(out, s)
			}
		}
		for _, pair := range r.Values {
			if s, ok := parsePair(pair); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// parsePair decodes the [unixTime, "value"] pairs the API returns. Pairs
// that fail to parse are skipped rather than failing the whole query.
func parsePair(pair []json.RawMessage) (Sample, bool) {
	if len(pair) != 2 {
		return Sample{}, false
	}
	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return Sample{}, false
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		return Sample{}, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Sample{}, false
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return Sample{Ts: time.Unix(sec, nsec).UTC(), Value: v}, true
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.Unix()), 'f', -1, 64)
}

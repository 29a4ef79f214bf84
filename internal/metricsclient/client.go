// Package metricsclient abstracts the pull-based time-series backend the
// control plane samples from. Unavailability is "no data this cycle", never
// a crash.
package metricsclient

import (
	"context"
	"time"
)

// Sample is one (timestamp, value) observation.
type Sample struct {
	Ts    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Client is the narrow query surface the orchestrator needs.
type Client interface {
	// InstantQuery evaluates query at a single instant.
	InstantQuery(ctx context.Context, query string, at time.Time) ([]Sample, error)

	// RangeQuery evaluates query over [start, end] at the given step.
	RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error)
}

// StaticClient is a test double returning canned samples per query.
type StaticClient struct {
	Samples map[string][]Sample
	Err     error
}

func (c *StaticClient) InstantQuery(ctx context.Context, query string, at time.Time) ([]Sample, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Samples[query], nil
}

func (c *StaticClient) RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Samples[query], nil
}

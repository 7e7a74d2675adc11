package rabbitmq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mq-exporter/internal/obs"
	"github.com/noah-isme/mq-exporter/internal/resilience"
)

// Fetcher returns the current queue statistics or an error.
type Fetcher interface {
	Fetch(ctx context.Context) ([]QueueSample, error)
}

// Collector turns fetch failures into an empty result. A failed poll is
// indistinguishable from a broker with no queues to the publisher; the error
// is only visible in logs and self-metrics.
//
// With a Breaker set, polls are skipped after repeated failures and count as
// circuit_open instead of reaching the broker.
type Collector struct {
	Fetcher Fetcher
	Logger  zerolog.Logger
	Metrics *obs.PollMetrics
	Breaker *resilience.PollBreaker

	lastSuccess atomic.Int64
}

// Collect fetches queue statistics once. It never returns an error.
func (c *Collector) Collect(ctx context.Context) []QueueSample {
	logger := c.loggerFor(ctx)
	if err := c.Breaker.Allow(ctx); err != nil {
		c.Metrics.ObserveSkipped()
		logger.Warn().Err(err).Msg("skipping rabbitmq poll")
		return []QueueSample{}
	}

	start := time.Now()
	samples, err := c.Fetcher.Fetch(ctx)
	took := time.Since(start)
	c.Metrics.ObserveFetch(took, len(samples), err)
	c.Breaker.Record(ctx, err)

	if err != nil {
		logger.Error().Err(err).Dur("took", took).Msg("error fetching rabbitmq metrics")
		return []QueueSample{}
	}
	c.lastSuccess.Store(time.Now().UnixNano())
	logger.Debug().Int("queues", len(samples)).Dur("took", took).Msg("fetched queue statistics")
	return samples
}

// LastSuccess returns the completion time of the most recent successful fetch,
// or the zero time if none has succeeded yet.
func (c *Collector) LastSuccess() time.Time {
	ns := c.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Collector) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.Logger
}

// Package poller drives the fetch, publish, sleep cycle.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/mq-exporter/internal/rabbitmq"
)

// DefaultInterval is used when Poller.Interval is not positive.
const DefaultInterval = 15 * time.Second

// Collector returns the queue statistics for one cycle. Failures surface as an
// empty result.
type Collector interface {
	Collect(ctx context.Context) []rabbitmq.QueueSample
}

// Publisher applies one cycle's statistics to the exported gauges.
type Publisher interface {
	Update(samples []rabbitmq.QueueSample)
}

// State is the lifecycle stage of a Poller.
type State int32

const (
	Starting State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "starting"
}

// Poller runs cycles back to back with a fixed sleep between them. Cycles never
// overlap: a slow fetch delays the next cycle instead.
type Poller struct {
	Collector Collector
	Publisher Publisher
	Interval  time.Duration
	Logger    zerolog.Logger

	state  atomic.Int32
	cycles atomic.Uint64
}

// Run loops until ctx is cancelled and then returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.state.Store(int32(Running))
	p.Logger.Info().Dur("interval", interval).Msg("poller running")

	for {
		p.RunOnce(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.Logger.Info().Uint64("cycles", p.cycles.Load()).Msg("poller stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce performs a single collect and publish cycle and returns the number of
// samples published.
func (p *Poller) RunOnce(ctx context.Context) int {
	pollID := uuid.NewString()
	logger := p.Logger.With().Str("poll_id", pollID).Logger()
	ctx, span := otel.Tracer("mq-exporter/poller").Start(logger.WithContext(ctx), "poll",
		trace.WithAttributes(attribute.String("poll.id", pollID)))
	defer span.End()

	samples := p.Collector.Collect(ctx)
	p.Publisher.Update(samples)
	p.cycles.Add(1)

	span.SetAttributes(attribute.Int("poll.queues", len(samples)))
	logger.Debug().Int("queues", len(samples)).Msg("poll cycle complete")
	return len(samples)
}

// State reports whether Run has entered its loop.
func (p *Poller) State() State { return State(p.state.Load()) }

// Cycles returns the number of completed cycles.
func (p *Poller) Cycles() uint64 { return p.cycles.Load() }

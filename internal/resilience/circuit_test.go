package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mq-exporter/internal/resilience"
)

var errPoll = errors.New("broker unreachable")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int, cooldown time.Duration) (*resilience.PollBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	return &resilience.PollBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		Target:    "rabbitmq",
		Now:       clock.Now,
	}, clock
}

func TestPollBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	breaker, _ := newBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Allow(ctx))
		breaker.Record(ctx, errPoll)
	}
	require.Equal(t, resilience.Closed, breaker.State())

	require.NoError(t, breaker.Allow(ctx))
	breaker.Record(ctx, errPoll)
	require.Equal(t, resilience.Open, breaker.State())
	require.ErrorIs(t, breaker.Allow(ctx), resilience.ErrOpenCircuit)
}

func TestPollBreakerSuccessResetsStreak(t *testing.T) {
	breaker, _ := newBreaker(2, time.Minute)
	ctx := context.Background()

	breaker.Record(ctx, errPoll)
	breaker.Record(ctx, nil)
	breaker.Record(ctx, errPoll)
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestPollBreakerTrialPollAfterCooldown(t *testing.T) {
	breaker, clock := newBreaker(1, 30*time.Second)
	ctx := context.Background()

	breaker.Record(ctx, errPoll)
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, breaker.Allow(ctx), resilience.ErrOpenCircuit)

	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow(ctx))
	require.Equal(t, resilience.HalfOpen, breaker.State())
	require.ErrorIs(t, breaker.Allow(ctx), resilience.ErrOpenCircuit, "only one trial poll")

	breaker.Record(ctx, nil)
	require.Equal(t, resilience.Closed, breaker.State())
	require.NoError(t, breaker.Allow(ctx))
}

func TestPollBreakerFailedTrialRestartsCooldown(t *testing.T) {
	breaker, clock := newBreaker(5, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		breaker.Record(ctx, errPoll)
	}
	clock.Advance(10 * time.Second)
	require.NoError(t, breaker.Allow(ctx))
	breaker.Record(ctx, errPoll)

	require.Equal(t, resilience.Open, breaker.State())
	clock.Advance(9 * time.Second)
	require.ErrorIs(t, breaker.Allow(ctx), resilience.ErrOpenCircuit)
}

func TestNilPollBreakerAllows(t *testing.T) {
	var breaker *resilience.PollBreaker
	require.NoError(t, breaker.Allow(context.Background()))
	breaker.Record(context.Background(), errPoll)
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestPollBreakerMetrics(t *testing.T) {
	metrics, err := resilience.NewBreakerMetrics("mq_exporter", prometheus.NewRegistry())
	require.NoError(t, err)
	breaker, clock := newBreaker(1, time.Second)
	breaker.Metrics = metrics
	ctx := context.Background()

	breaker.Record(ctx, errPoll)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.State.WithLabelValues("rabbitmq")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.OpenedTotal.WithLabelValues("rabbitmq")))

	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow(ctx))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.State.WithLabelValues("rabbitmq")))
	breaker.Record(ctx, nil)

	require.Equal(t, 0.0, testutil.ToFloat64(metrics.State.WithLabelValues("rabbitmq")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("rabbitmq", "half_open", "closed")))
}

func TestBreakerMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := resilience.NewBreakerMetrics("mq_exporter", reg)
	require.NoError(t, err)
	second, err := resilience.NewBreakerMetrics("mq_exporter", reg)
	require.NoError(t, err)

	second.OpenedTotal.WithLabelValues("rabbitmq").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(first.OpenedTotal.WithLabelValues("rabbitmq")))
}

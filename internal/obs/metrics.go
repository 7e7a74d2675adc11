package obs

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// scrapeBucketsMS suits a handler that renders a few hundred series.
var scrapeBucketsMS = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

// HTTPMetrics counts and times requests to the exporter's own endpoint.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the endpoint collectors on reg. Empty bucketsMS
// selects scrapeBucketsMS; the caller's slice is not modified.
func NewHTTPMetrics(namespace string, bucketsMS []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := scrapeBucketsMS
	if len(bucketsMS) > 0 {
		buckets = slices.Sorted(slices.Values(bucketsMS))
	}
	return &HTTPMetrics{
		ReqTotal: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served on the metrics port by method, route and status.",
		}, []string{"method", "route", "status"})),
		ReqDur: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "Time to serve a request on the metrics port, in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"})),
		InFlight: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Requests on the metrics port currently being served.",
		})),
	}
}

// Poll results used as the "result" label value.
const (
	PollSuccess     = "success"
	PollError       = "error"
	PollCircuitOpen = "circuit_open"
)

// PollMetrics describes the exporter's own polling behaviour.
type PollMetrics struct {
	Total           *prometheus.CounterVec
	Duration        prometheus.Histogram
	QueuesPublished prometheus.Gauge
	LastSuccess     prometheus.Gauge
}

// NewPollMetrics registers and returns collectors for the poll loop.
func NewPollMetrics(namespace string, reg prometheus.Registerer) *PollMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PollMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Number of broker API polls grouped by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent fetching queue statistics from the broker API.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueuesPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queues_published",
			Help:      "Number of queues returned by the most recent successful poll.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful poll.",
		}),
	}
	m.Total = mustRegister(reg, m.Total)
	m.Duration = mustRegister(reg, m.Duration)
	m.QueuesPublished = mustRegister(reg, m.QueuesPublished)
	m.LastSuccess = mustRegister(reg, m.LastSuccess)
	return m
}

// ObserveFetch records the outcome of a single fetch. A nil receiver is a no-op.
func (m *PollMetrics) ObserveFetch(took time.Duration, queues int, err error) {
	if m == nil {
		return
	}
	m.Duration.Observe(took.Seconds())
	if err != nil {
		m.Total.WithLabelValues(PollError).Inc()
		return
	}
	m.Total.WithLabelValues(PollSuccess).Inc()
	m.QueuesPublished.Set(float64(queues))
	m.LastSuccess.SetToCurrentTime()
}

// ObserveSkipped counts a poll the breaker kept away from the broker.
func (m *PollMetrics) ObserveSkipped() {
	if m == nil {
		return
	}
	m.Total.WithLabelValues(PollCircuitOpen).Inc()
}

// ParseBucketsCSV reads bucket bounds in milliseconds from a comma separated
// list such as OBS_METRICS_BUCKETS_MS. Blank, malformed and non-positive
// entries are dropped.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, field := range strings.Split(csv, ",") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// DurationMillis expresses d in fractional milliseconds.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// mustRegister registers c, reusing an identical collector that is already
// registered so constructors can run more than once against the same registry.
func mustRegister[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(fmt.Errorf("register collector: %w", err))
	}
	return c
}

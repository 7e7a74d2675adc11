package exporter

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/noah-isme/mq-exporter/internal/rabbitmq"
)

// Kind identifies one of the three published queue-depth families.
type Kind int

const (
	Total Kind = iota
	Ready
	Unacknowledged
)

// Metric family names. Unacknowledged uses its own name; publishing it under
// the total-messages name would collide at registration time.
const (
	TotalMetricName          = "rabbitmq_queue_messages_total"
	ReadyMetricName          = "rabbitmq_queue_messages_ready"
	UnacknowledgedMetricName = "rabbitmq_queue_messages_unacknowledged"
)

func (k Kind) String() string {
	switch k {
	case Total:
		return "total"
	case Ready:
		return "ready"
	case Unacknowledged:
		return "unacknowledged"
	default:
		return "unknown"
	}
}

var labelNames = []string{"vhost", "queue"}

type labelPair struct{ vhost, queue string }

// GaugeSet holds the queue-depth gauges keyed by (vhost, queue). Labels are
// never removed: a queue that disappears keeps its last published values.
type GaugeSet struct {
	families [3]*prometheus.GaugeVec

	mu   sync.Mutex
	seen map[labelPair]struct{}
}

// NewGaugeSet creates the three families and registers them on reg.
func NewGaugeSet(reg prometheus.Registerer) (*GaugeSet, error) {
	gs := &GaugeSet{seen: make(map[labelPair]struct{})}
	gs.families[Total] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: TotalMetricName,
		Help: "Total number of messages in queues.",
	}, labelNames)
	gs.families[Ready] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ReadyMetricName,
		Help: "Number of ready messages in queues.",
	}, labelNames)
	gs.families[Unacknowledged] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: UnacknowledgedMetricName,
		Help: "Number of unacknowledged messages in queues.",
	}, labelNames)

	for kind, family := range gs.families {
		if err := reg.Register(family); err != nil {
			return nil, fmt.Errorf("register %s gauge: %w", Kind(kind), err)
		}
	}
	return gs, nil
}

// Update overwrites the gauges for every sample. Each Set is atomic on its own;
// a concurrent scrape may observe a partially applied poll.
func (gs *GaugeSet) Update(samples []rabbitmq.QueueSample) {
	for _, s := range samples {
		gs.families[Total].WithLabelValues(s.Vhost, s.Name).Set(float64(s.Messages))
		gs.families[Ready].WithLabelValues(s.Vhost, s.Name).Set(float64(s.MessagesReady))
		gs.families[Unacknowledged].WithLabelValues(s.Vhost, s.Name).Set(float64(s.MessagesUnacknowledged))
	}

	gs.mu.Lock()
	for _, s := range samples {
		gs.seen[labelPair{s.Vhost, s.Name}] = struct{}{}
	}
	gs.mu.Unlock()
}

// Value reads back the current gauge value for a label pair. ok is false when
// the pair has never been published.
func (gs *GaugeSet) Value(kind Kind, vhost, queue string) (value float64, ok bool) {
	if kind < Total || kind > Unacknowledged {
		return 0, false
	}
	gs.mu.Lock()
	_, ok = gs.seen[labelPair{vhost, queue}]
	gs.mu.Unlock()
	if !ok {
		return 0, false
	}
	var m dto.Metric
	if err := gs.families[kind].WithLabelValues(vhost, queue).Write(&m); err != nil {
		return 0, false
	}
	return m.GetGauge().GetValue(), true
}

// Len returns the number of distinct (vhost, queue) pairs ever published.
func (gs *GaugeSet) Len() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.seen)
}

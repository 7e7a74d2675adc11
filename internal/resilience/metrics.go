package resilience

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics exposes the poll breaker position.
type BreakerMetrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	OpenedTotal *prometheus.CounterVec
}

// NewBreakerMetrics registers the breaker collectors on reg, reusing any
// that are already there.
func NewBreakerMetrics(namespace string, reg prometheus.Registerer) (*BreakerMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &BreakerMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Poll breaker position (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transition_total",
			Help:      "Poll breaker position changes.",
		}, []string{"target", "from", "to"}),
		OpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Times the poll breaker started skipping polls.",
		}, []string{"target"}),
	}
	var err error
	if m.State, err = register(reg, m.State); err != nil {
		return nil, err
	}
	if m.Transitions, err = register(reg, m.Transitions); err != nil {
		return nil, err
	}
	if m.OpenedTotal, err = register(reg, m.OpenedTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BreakerMetrics) observe(target string, from, to State) {
	m.State.WithLabelValues(target).Set(float64(to))
	m.Transitions.WithLabelValues(target, from.String(), to.String()).Inc()
	if to == Open {
		m.OpenedTotal.WithLabelValues(target).Inc()
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register breaker metrics: %w", err)
	}
	return c, nil
}

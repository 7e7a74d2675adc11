package exporter_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mq-exporter/internal/exporter"
	"github.com/noah-isme/mq-exporter/internal/rabbitmq"
)

func newGaugeSet(t *testing.T) (*exporter.GaugeSet, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	gs, err := exporter.NewGaugeSet(reg)
	require.NoError(t, err)
	return gs, reg
}

func requireValue(t *testing.T, gs *exporter.GaugeSet, kind exporter.Kind, vhost, queue string, want float64) {
	t.Helper()
	got, ok := gs.Value(kind, vhost, queue)
	require.True(t, ok, "%s gauge for (%s, %s) missing", kind, vhost, queue)
	require.Equal(t, want, got, "%s gauge for (%s, %s)", kind, vhost, queue)
}

func TestUpdateSetsThreeGaugesPerQueue(t *testing.T) {
	gs, reg := newGaugeSet(t)

	gs.Update([]rabbitmq.QueueSample{
		{Vhost: "/", Name: "q1", Messages: 5, MessagesReady: 3, MessagesUnacknowledged: 2},
		{Vhost: "orders", Name: "q1", Messages: 1},
	})

	requireValue(t, gs, exporter.Total, "/", "q1", 5)
	requireValue(t, gs, exporter.Ready, "/", "q1", 3)
	requireValue(t, gs, exporter.Unacknowledged, "/", "q1", 2)
	requireValue(t, gs, exporter.Total, "orders", "q1", 1)
	requireValue(t, gs, exporter.Ready, "orders", "q1", 0)
	requireValue(t, gs, exporter.Unacknowledged, "orders", "q1", 0)
	require.Equal(t, 2, gs.Len())

	count, err := testutil.GatherAndCount(reg, exporter.TotalMetricName, exporter.ReadyMetricName, exporter.UnacknowledgedMetricName)
	require.NoError(t, err)
	require.Equal(t, 6, count)
}

func TestUpdateIsIdempotent(t *testing.T) {
	gs, reg := newGaugeSet(t)
	samples := []rabbitmq.QueueSample{{Vhost: "/", Name: "q1", Messages: 9, MessagesReady: 4, MessagesUnacknowledged: 5}}

	gs.Update(samples)
	gs.Update(samples)

	requireValue(t, gs, exporter.Total, "/", "q1", 9)
	requireValue(t, gs, exporter.Ready, "/", "q1", 4)
	requireValue(t, gs, exporter.Unacknowledged, "/", "q1", 5)
	require.Equal(t, 1, gs.Len())

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestUpdateKeepsStaleQueues(t *testing.T) {
	gs, _ := newGaugeSet(t)
	a := rabbitmq.QueueSample{Vhost: "/", Name: "a", Messages: 1, MessagesReady: 1}
	b := rabbitmq.QueueSample{Vhost: "/", Name: "b", Messages: 7, MessagesReady: 3, MessagesUnacknowledged: 4}

	gs.Update([]rabbitmq.QueueSample{a, b})
	a.Messages = 10
	gs.Update([]rabbitmq.QueueSample{a})
	gs.Update(nil)

	requireValue(t, gs, exporter.Total, "/", "a", 10)
	requireValue(t, gs, exporter.Total, "/", "b", 7)
	requireValue(t, gs, exporter.Ready, "/", "b", 3)
	requireValue(t, gs, exporter.Unacknowledged, "/", "b", 4)
	require.Equal(t, 2, gs.Len())
}

func TestExpositionFormat(t *testing.T) {
	gs, reg := newGaugeSet(t)
	samples, err := rabbitmq.ParseQueues([]byte(`[{"vhost":"/","name":"q1","messages":5,"messages_ready":3,"messages_unacknowledged":2}]`))
	require.NoError(t, err)
	gs.Update(samples)

	expected := `
# HELP rabbitmq_queue_messages_ready Number of ready messages in queues.
# TYPE rabbitmq_queue_messages_ready gauge
rabbitmq_queue_messages_ready{queue="q1",vhost="/"} 3
# HELP rabbitmq_queue_messages_total Total number of messages in queues.
# TYPE rabbitmq_queue_messages_total gauge
rabbitmq_queue_messages_total{queue="q1",vhost="/"} 5
# HELP rabbitmq_queue_messages_unacknowledged Number of unacknowledged messages in queues.
# TYPE rabbitmq_queue_messages_unacknowledged gauge
rabbitmq_queue_messages_unacknowledged{queue="q1",vhost="/"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestValueUnknown(t *testing.T) {
	gs, _ := newGaugeSet(t)
	_, ok := gs.Value(exporter.Total, "/", "missing")
	require.False(t, ok)
	_, ok = gs.Value(exporter.Kind(42), "/", "missing")
	require.False(t, ok)
}

func TestNewGaugeSetDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := exporter.NewGaugeSet(reg)
	require.NoError(t, err)
	_, err = exporter.NewGaugeSet(reg)
	require.Error(t, err)
}

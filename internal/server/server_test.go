package server_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/noah-isme/mq-exporter/internal/exporter"
	"github.com/noah-isme/mq-exporter/internal/health"
	"github.com/noah-isme/mq-exporter/internal/obs"
	"github.com/noah-isme/mq-exporter/internal/rabbitmq"
	"github.com/noah-isme/mq-exporter/internal/server"
)

type fixedChecker time.Time

func (c fixedChecker) LastSuccess() time.Time { return time.Time(c) }

func newRouter(t *testing.T) (http.Handler, *exporter.GaugeSet, *obs.HTTPMetrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	gs, err := exporter.NewGaugeSet(reg)
	require.NoError(t, err)
	metrics := obs.NewHTTPMetrics("mq_exporter", nil, reg)

	router := server.NewRouter(server.RouterConfig{
		Gatherer:    reg,
		Health:      health.Handler{Checker: fixedChecker(time.Now())},
		Queues:      gs,
		APIURL:      "http://broker:15672/api",
		HTTPMetrics: metrics,
	})
	return router, gs, metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestMetricsEndpoint(t *testing.T) {
	router, gs, metrics := newRouter(t)
	gs.Update([]rabbitmq.QueueSample{{Vhost: "/", Name: "q1", Messages: 5, MessagesReady: 3, MessagesUnacknowledged: 2}})

	rr := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, `rabbitmq_queue_messages_total{queue="q1",vhost="/"} 5`)
	require.Contains(t, body, `rabbitmq_queue_messages_ready{queue="q1",vhost="/"} 3`)
	require.Contains(t, body, `rabbitmq_queue_messages_unacknowledged{queue="q1",vhost="/"} 2`)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/metrics", "200")))
}

func TestLandingPage(t *testing.T) {
	router, gs, _ := newRouter(t)
	gs.Update([]rabbitmq.QueueSample{{Vhost: "/", Name: "a"}, {Vhost: "/", Name: "b"}})

	rr := get(t, router, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `href="/metrics"`)
	require.Contains(t, rr.Body.String(), "2 queue(s) published")
}

func TestHealthRoutes(t *testing.T) {
	router, _, _ := newRouter(t)
	require.Equal(t, http.StatusOK, get(t, router, "/health/live").Code)
	require.Equal(t, http.StatusOK, get(t, router, "/health/ready").Code)
	require.Equal(t, http.StatusNotFound, get(t, router, "/nope").Code)
}

func TestRouteLabelsFollowMatchedRoutes(t *testing.T) {
	router, _, metrics := newRouter(t)
	get(t, router, "/health/live")
	get(t, router, "/health/ready")
	get(t, router, "/nope")
	get(t, router, "/also-nope")

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/live", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/ready", "200")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, obs.UnmatchedRoute, "404")))
}

func TestRouterTracerFromConfig(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	router := server.NewRouter(server.RouterConfig{
		Gatherer: prometheus.NewRegistry(),
		Tracer:   provider.Tracer("mq-exporter/http"),
	})

	get(t, router, "/metrics")
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /metrics", spans[0].Name())
	require.Equal(t, "mq-exporter/http", spans[0].InstrumentationScope().Name)
}

func TestListenServeAndShutdown(t *testing.T) {
	router, _, _ := newRouter(t)
	srv, err := server.Listen("127.0.0.1:0", router)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-served)
}

func TestListenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = server.Listen(ln.Addr().String(), http.NotFoundHandler())
	require.Error(t, err)
}

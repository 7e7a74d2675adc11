package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UnmatchedRoute labels requests no route claimed.
const UnmatchedRoute = "unmatched"

// RouteLabel names a served request for metrics, spans and logs. It runs
// after the handler, when the router has recorded what matched.
type RouteLabel func(r *http.Request) string

// ChiRoute labels a request with the chi pattern that served it. Raw paths are
// never used so that scanners cannot blow up label cardinality.
func ChiRoute(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return UnmatchedRoute
}

// Instrumentation records each request in the HTTP metrics, an optional span
// and a request log line. Nil Metrics or Tracer turn those parts off.
type Instrumentation struct {
	Metrics *HTTPMetrics
	Tracer  trace.Tracer
	Logger  zerolog.Logger
	Route   RouteLabel
}

// Middleware must be installed on the chi router so the route context it
// reads after next returns is the one the router fills in.
func (in Instrumentation) Middleware(next http.Handler) http.Handler {
	label := in.Route
	if label == nil {
		label = ChiRoute
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var span trace.Span
		if in.Tracer != nil {
			ctx, span = in.Tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
			r = r.WithContext(ctx)
		}
		if in.Metrics != nil {
			in.Metrics.InFlight.Inc()
			defer in.Metrics.InFlight.Dec()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		took := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := label(r)

		if in.Metrics != nil {
			in.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			in.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(took))
		}
		if span != nil {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status),
			)
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			span.End()
		}
		in.log(r, route, status, ww.BytesWritten(), took, span)
	})
}

// Scrapes are frequent, so only server errors log above debug.
func (in Instrumentation) log(r *http.Request, route string, status, bytes int, took time.Duration, span trace.Span) {
	evt := in.Logger.Debug()
	if status >= http.StatusInternalServerError {
		evt = in.Logger.Warn()
	}
	evt = evt.
		Str("method", r.Method).
		Str("route", route).
		Int("status", status).
		Int64("duration_ms", took.Milliseconds()).
		Int("bytes", bytes).
		Str("request_id", middleware.GetReqID(r.Context()))
	if span != nil && span.SpanContext().IsValid() {
		evt = evt.Str("trace_id", span.SpanContext().TraceID().String())
	}
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		evt = evt.Str("user_agent", ua)
	}
	evt.Str("remote_addr", r.RemoteAddr).Msg("http_request")
}

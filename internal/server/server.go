// Package server exposes the scrape endpoint and health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/mq-exporter/internal/health"
	"github.com/noah-isme/mq-exporter/internal/obs"
)

// QueueCounter reports how many queues have been published so far.
type QueueCounter interface {
	Len() int
}

// RouterConfig wires the handlers served on the metrics port.
type RouterConfig struct {
	Gatherer    prometheus.Gatherer
	Health      health.Handler
	Queues      QueueCounter
	APIURL      string
	Logger      zerolog.Logger
	HTTPMetrics *obs.HTTPMetrics
	// Tracer enables a span per request when set.
	Tracer trace.Tracer
	// RouteLabel defaults to obs.ChiRoute.
	RouteLabel obs.RouteLabel
}

var landing = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head><title>RabbitMQ Exporter</title></head>
<body>
<h1>RabbitMQ Exporter</h1>
<p>Polling <code>{{.APIURL}}</code>; {{.Queues}} queue(s) published.</p>
<ul>
<li><a href="/metrics">Metrics</a></li>
<li><a href="/health/ready">Readiness</a></li>
</ul>
</body>
</html>
`))

// NewRouter builds the HTTP handler for the metrics port.
func NewRouter(cfg RouterConfig) http.Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(obs.Instrumentation{
		Metrics: cfg.HTTPMetrics,
		Tracer:  cfg.Tracer,
		Logger:  cfg.Logger,
		Route:   cfg.RouteLabel,
	}.Middleware)
	// inside the instrumentation so recovered panics are counted as 500s
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      promLogger{logger: cfg.Logger},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	r.Get("/health/live", cfg.Health.Live)
	r.Get("/health/ready", cfg.Health.Ready)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		queues := 0
		if cfg.Queues != nil {
			queues = cfg.Queues.Len()
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landing.Execute(w, struct {
			APIURL string
			Queues int
		}{cfg.APIURL, queues}); err != nil {
			cfg.Logger.Error().Err(err).Msg("render landing page")
		}
	})
	return r
}

// Server serves the metrics handler on a listener bound at construction.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr immediately so bind failures surface before polling starts.
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until the server is shut down. A clean shutdown returns nil.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting scrapes and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type promLogger struct{ logger zerolog.Logger }

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}

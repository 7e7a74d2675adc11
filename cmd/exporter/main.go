package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mq-exporter/internal/config"
	"github.com/noah-isme/mq-exporter/internal/exporter"
	"github.com/noah-isme/mq-exporter/internal/health"
	"github.com/noah-isme/mq-exporter/internal/obs"
	"github.com/noah-isme/mq-exporter/internal/poller"
	"github.com/noah-isme/mq-exporter/internal/rabbitmq"
	"github.com/noah-isme/mq-exporter/internal/resilience"
	"github.com/noah-isme/mq-exporter/internal/server"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// listen binds the metrics endpoint; tests swap it out.
var listen = server.Listen

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run starts the exporter and blocks until ctx is cancelled. Usage errors
// return before anything is bound.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, kong.Writers(stdout, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "mq-exporter: %v\nRun with --help for usage.\n", err)
		return exitUsage
	}

	logger := obs.NewLoggerTo(stdout, cfg.Obs.LogFormat, cfg.Obs.LogLevel)

	var tracing *obs.Tracing
	if cfg.Obs.TracingEnabled {
		tracing, err = obs.StartTracing(ctx, obs.TracingConfig{
			ServiceName:   "mq-exporter",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			SamplingRatio: cfg.Obs.SamplingRatio,
		})
		if err != nil {
			logger.Error().Err(err).Msg("tracing disabled")
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(flushCtx); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauges, err := exporter.NewGaugeSet(reg)
	if err != nil {
		logger.Error().Err(err).Msg("register queue gauges")
		return exitFatal
	}
	pollMetrics := obs.NewPollMetrics(cfg.Obs.MetricsNamespace, reg)
	httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), reg)

	client, err := rabbitmq.NewClient(rabbitmq.ClientConfig{
		APIURL:       cfg.APIURL,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Timeout:      cfg.Timeout,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	})
	if err != nil {
		logger.Error().Err(err).Msg("configure rabbitmq client")
		return exitFatal
	}
	collector := &rabbitmq.Collector{
		Fetcher: client,
		Logger:  logger.With().Str("component", "collector").Logger(),
		Metrics: pollMetrics,
	}
	if cfg.BreakerEnabled() {
		breakerMetrics, err := resilience.NewBreakerMetrics(cfg.Obs.MetricsNamespace, reg)
		if err != nil {
			logger.Error().Err(err).Msg("register breaker metrics")
			return exitFatal
		}
		collector.Breaker = &resilience.PollBreaker{
			Threshold: cfg.BreakerFailures,
			Cooldown:  cfg.BreakerCooldown,
			Target:    "rabbitmq",
			Logger:    logger.With().Str("component", "breaker").Logger(),
			Metrics:   breakerMetrics,
		}
	}

	routerCfg := server.RouterConfig{
		Gatherer: reg,
		Health: health.Handler{
			Checker: collector,
			MaxAge:  3 * cfg.PollInterval(),
		},
		Queues:      gauges,
		APIURL:      client.QueuesURL(),
		Logger:      logger.With().Str("component", "http").Logger(),
		HTTPMetrics: httpMetrics,
	}
	if tracing != nil {
		routerCfg.Tracer = tracing.Tracer("mq-exporter/http")
	}
	srv, err := listen(cfg.HTTPAddr(), server.NewRouter(routerCfg))
	if err != nil {
		logger.Error().Err(err).Msg("start metrics endpoint")
		return exitFatal
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil {
			serveErr <- err
			cancel()
		}
	}()
	logger.Info().
		Str("addr", srv.Addr().String()).
		Str("queues_url", client.QueuesURL()).
		Dur("interval", cfg.PollInterval()).
		Dur("timeout", cfg.Timeout).
		Msg("starting prometheus exporter")

	p := &poller.Poller{
		Collector: collector,
		Publisher: gauges,
		Interval:  cfg.PollInterval(),
		Logger:    logger.With().Str("component", "poller").Logger(),
	}
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("poller stopped with error")
	}
	stopServer(srv, logger)

	select {
	case err := <-serveErr:
		logger.Error().Err(err).Msg("metrics endpoint exited unexpectedly")
		return exitFatal
	default:
		return exitOK
	}
}

func stopServer(srv *server.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown metrics endpoint")
	}
}

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// ErrUsage marks command-line errors: missing or malformed flags.
var ErrUsage = errors.New("usage error")

// CLI is the command-line surface.
type CLI struct {
	APIURL   string `name:"api-url" help:"RabbitMQ management API base URL, e.g. http://localhost:15672/api." env:"MQ_EXPORTER_API_URL" required:"" validate:"required,http_url"`
	Username string `name:"username" help:"RabbitMQ username." env:"MQ_EXPORTER_USERNAME" required:"" validate:"required"`
	Password string `name:"password" help:"RabbitMQ password." env:"MQ_EXPORTER_PASSWORD" required:"" validate:"required"`
	Port     int    `name:"port" help:"Port the metrics endpoint listens on." env:"MQ_EXPORTER_PORT" default:"8000" validate:"min=1,max=65535"`
	Interval int    `name:"interval" help:"Seconds between polls of the management API." env:"MQ_EXPORTER_INTERVAL" default:"15" validate:"min=1"`

	Timeout         time.Duration `name:"timeout" help:"Deadline for one management API request; 0 disables it." env:"MQ_EXPORTER_TIMEOUT" default:"0s"`
	MaxAttempts     int           `name:"max-attempts" help:"Attempts per poll for 5xx and transport errors." env:"MQ_EXPORTER_MAX_ATTEMPTS" default:"1" validate:"min=1"`
	RetryBackoff    time.Duration `name:"retry-backoff" help:"Base delay between attempts." env:"MQ_EXPORTER_RETRY_BACKOFF" default:"200ms"`
	BreakerFailures int           `name:"breaker-failures" help:"Consecutive failed polls before polls are skipped; 0 never skips." env:"MQ_EXPORTER_BREAKER_FAILURES" default:"0" validate:"min=0"`
	BreakerCooldown time.Duration `name:"breaker-cooldown" help:"How long polls are skipped before a trial poll." env:"MQ_EXPORTER_BREAKER_COOLDOWN" default:"1m" validate:"gt=0"`
}

// ObsConfig holds ambient observability settings read from the environment.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	TracingEnabled   bool
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Config is the resolved process configuration.
type Config struct {
	CLI
	Obs ObsConfig
}

// PollInterval returns Interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// HTTPAddr returns the address the metrics endpoint binds to.
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// BreakerEnabled reports whether repeated poll failures pause polling.
func (c *Config) BreakerEnabled() bool {
	return c.BreakerFailures > 0
}

// NewParser builds the kong parser for cli. Options are appended to the defaults.
func NewParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	opts := append([]kong.Option{
		kong.Name("mq-exporter"),
		kong.Description("RabbitMQ Prometheus exporter."),
		kong.UsageOnError(),
	}, options...)
	return kong.New(cli, opts...)
}

// Load parses args, reads OBS_* settings from the environment and an optional
// .env file, and validates the result. Command-line problems wrap ErrUsage.
func Load(args []string, options ...kong.Option) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	parser, err := NewParser(&cfg.CLI, options...)
	if err != nil {
		return nil, fmt.Errorf("build cli parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	obs, err := loadObs()
	if err != nil {
		return nil, err
	}
	cfg.Obs = obs
	return cfg, nil
}

func loadObs() (ObsConfig, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("OBS_", ".", func(s string) string { return s }), nil); err != nil {
		return ObsConfig{}, fmt.Errorf("load env: %w", err)
	}
	return ObsConfig{
		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "mq_exporter"),
		MetricsBuckets:   strings.TrimSpace(k.String("OBS_METRICS_BUCKETS_MS")),
		TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING")),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
	}, nil
}

var validate = func() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		err := v.Struct(cfg.CLI)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("invalid --%s: failed %q (got %v)", flagName(fe.StructField()), fe.Tag(), fe.Value()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
}()

func flagName(field string) string {
	switch field {
	case "APIURL":
		return "api-url"
	case "MaxAttempts":
		return "max-attempts"
	case "BreakerFailures":
		return "breaker-failures"
	case "BreakerCooldown":
		return "breaker-cooldown"
	default:
		return strings.ToLower(field)
	}
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

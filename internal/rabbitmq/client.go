package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/mq-exporter/internal/resilience"
)

// StatusError is returned when the management API answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rabbitmq: unexpected status %s", e.Status)
	}
	return fmt.Sprintf("rabbitmq: unexpected status %s: %s", e.Status, e.Body)
}

// ClientConfig configures a management API client.
type ClientConfig struct {
	APIURL   string
	Username string
	Password string

	// Timeout bounds one request including the body read. Zero means no timeout.
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Transport    http.RoundTripper
}

// Client reads queue statistics from the RabbitMQ management API.
type Client struct {
	queuesURL string
	username  string
	password  string
	http      resilience.HTTPClient
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", cfg.APIURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("api url %q: missing host", cfg.APIURL)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		queuesURL: base + "/queues",
		username:  cfg.Username,
		password:  cfg.Password,
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			BaseBackoff: cfg.RetryBackoff,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout,
		},
	}, nil
}

// QueuesURL returns the endpoint polled by Fetch.
func (c *Client) QueuesURL() string { return c.queuesURL }

// Fetch performs GET {api-url}/queues and decodes the response.
func (c *Client) Fetch(ctx context.Context) ([]QueueSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queuesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build queues request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.queuesURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read queues response: %w", err)
	}
	samples, err := ParseQueues(body)
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("check credentials: %w", se)
	}
	return se
}

// IsStatus reports whether err carries a management API status of code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

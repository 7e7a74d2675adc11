package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps an http.Client with optional retries and a per-attempt
// timeout. The zero configuration performs one attempt with no deadline.
type HTTPClient struct {
	Client      *http.Client
	BaseBackoff time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Do sends a body-less request. Transport errors and 5xx responses are retried
// while attempts remain; the last outcome is returned as is, so a final 5xx
// reaches the caller as a response rather than an error.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	switch {
	case cl.Client == nil:
		return nil, errors.New("resilience: no http client")
	case req.Body != nil && req.Body != http.NoBody:
		return nil, errors.New("resilience: requests with a body are not supported")
	}
	attempts := max(cl.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		resp, err := cl.doOnce(ctx, req.Clone(ctx))
		failed := err != nil || resp.StatusCode >= http.StatusInternalServerError
		if !failed || attempt >= attempts {
			return resp, err
		}
		if resp != nil {
			discard(resp)
		}
		if err := cl.pause(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (cl HTTPClient) pause(ctx context.Context, attempt int) error {
	base := cl.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	t := time.NewTimer(retryDelay(base, attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryDelay doubles base per attempt, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		return maxRetryDelay
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

const maxRetryDelay = 10 * time.Second

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Timeout <= 0 {
		return cl.Client.Do(req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cl.Timeout)
	resp, err := cl.Client.Do(req.WithContext(attemptCtx))
	if err != nil {
		cancel()
		return resp, err
	}
	// the deadline must also cover reading the body
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

package corerun

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig parameterises a RetryProvider.
type RetryConfig struct {
	MaxAttempts     int           // default 3
	InitialInterval time.Duration // default 1s
	MaxInterval     time.Duration // default 30s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

// RetryProvider wraps a Provider with exponential-backoff retry for
// transient errors, the outermost layer in the composition spec.md §7
// describes (breaker short-circuits a dead backend; rate limiter paces
// healthy traffic; retry smooths over the occasional blip neither catches).
// Errors not classified KindTransient are never retried.
type RetryProvider struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry wraps p with retry. Compose outermost:
// WithRetry(WithRateLimit(WithBreaker(p, cfg), RPM(60)), RetryConfig{}).
func WithRetry(p Provider, cfg RetryConfig) *RetryProvider {
	return &RetryProvider{inner: p, cfg: cfg.withDefaults()}
}

func (r *RetryProvider) Name() string { return r.inner.Name() }

func (r *RetryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval

	return backoff.Retry(ctx, func() (ChatResponse, error) {
		resp, err := r.inner.Chat(ctx, req)
		if err != nil && KindOf(err) != KindTransient {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.cfg.MaxAttempts)))
}

// ChatStream retries only while no output has reached ch yet. Once a delta
// has been forwarded, a mid-stream error passes straight through: resending
// from the start would duplicate content the caller already received.
func (r *RetryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval

	resp, err := backoff.Retry(ctx, func() (ChatResponse, error) {
		mid := make(chan string, 64)
		var (
			innerResp ChatResponse
			innerErr  error
			sent      bool
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			innerResp, innerErr = r.inner.ChatStream(ctx, req, mid)
		}()
		for delta := range mid {
			sent = true
			select {
			case ch <- delta:
			case <-ctx.Done():
			}
		}
		<-done

		if innerErr == nil {
			return innerResp, nil
		}
		if sent || KindOf(innerErr) != KindTransient {
			return innerResp, backoff.Permanent(innerErr)
		}
		return innerResp, innerErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.cfg.MaxAttempts)))
	close(ch)
	return resp, err
}

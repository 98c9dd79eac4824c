package corerun

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimitOption configures a RateLimitedProvider.
type RateLimitOption func(*RateLimitedProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption { return func(r *RateLimitedProvider) { r.rpm = n } }

// TPM sets the maximum tokens per minute (input + output combined). Token
// counts are recorded from ChatResponse.Usage after each request; this is a
// soft limit, since the request that exceeds the budget completes, but
// subsequent requests block until the window slides.
func TPM(n int) RateLimitOption { return func(r *RateLimitedProvider) { r.tpm = n } }

// RateLimitedProvider wraps a Provider with the proactive RPM/TPM sliding
// windows spec.md §7 calls for ("Global rate limiters (token buckets)
// throttle outbound LLM calls per backend"). Requests block until the
// budget allows them to proceed, rather than failing outright.
type RateLimitedProvider struct {
	inner Provider
	mu    sync.Mutex

	rpm       int
	rpmWindow []time.Time

	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other
// wrappers: WithRateLimit(WithBreaker(p, cfg), RPM(60), TPM(100_000)).
func WithRateLimit(p Provider, opts ...RateLimitOption) *RateLimitedProvider {
	r := &RateLimitedProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimitedProvider) Name() string { return r.inner.Name() }

func (r *RateLimitedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *RateLimitedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *RateLimitedProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm
		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Classify(ctx.Err(), KindCancellation)
		case <-timer.C:
		}
	}
}

func (r *RateLimitedProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// InFlightLimiter bounds the number of concurrent LLM calls across every run
// in the process, per spec.md §5: "Concurrent LLM calls across runs are
// globally bounded by a shared semaphore (default 100 in-flight)."
type InFlightLimiter struct {
	sem *semaphore.Weighted
}

// NewInFlightLimiter builds a limiter admitting at most max concurrent calls.
func NewInFlightLimiter(max int64) *InFlightLimiter {
	if max <= 0 {
		max = 100
	}
	return &InFlightLimiter{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *InFlightLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot acquired by Acquire.
func (l *InFlightLimiter) Release() { l.sem.Release(1) }

// TokenBucketLimiter throttles calls to a steady rate using a token bucket,
// the per-backend backpressure mechanism spec.md §7 describes alongside the
// RPM/TPM sliding windows above (the sliding window bounds a rolling minute;
// this bounds instantaneous burst size).
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter builds a limiter allowing ratePerSecond steady-state
// throughput with burst headroom.
func NewTokenBucketLimiter(ratePerSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until the bucket has a token available or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

package corerun

import (
	"context"
	"sync"
	"time"
)

// BreakerState is a circuit breaker's current state, numbered to match the
// corerun_circuit_breaker_state gauge (0=closed, 1=half-open, 2=open).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig parameterises a Breaker.
type BreakerConfig struct {
	MaxFailures int           // consecutive failures before opening; default 5
	Timeout     time.Duration // time spent open before trying half-open; default 30s
	HalfOpenMax int           // requests allowed through while half-open; default 3
	Name        string        // backend name, used as the metrics label
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	return c
}

// Breaker guards one external backend (an LLM provider, the relational
// store) per spec.md §7: "A circuit breaker guards each external backend;
// open state short-circuits with a classified error and feeds a rate
// limiter for gradual reopen."
type Breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        BreakerState
	failures     int
	successes    int
	halfOpenReqs int
	openedAt     time.Time
}

// NewBreaker builds a Breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: BreakerClosed}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's protection, returning ErrCircuitOpen
// without calling fn if the breaker is open and its timeout hasn't elapsed.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) > b.cfg.Timeout {
			b.setState(BreakerHalfOpen)
			b.halfOpenReqs = 1
			return nil
		}
		return Classify(ErrCircuitOpen, KindCircuitOpen)
	case BreakerHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenMax {
			return Classify(ErrCircuitOpen, KindCircuitOpen)
		}
		b.halfOpenReqs++
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenMax {
				b.setState(BreakerClosed)
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(BreakerOpen)
		}
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.halfOpenReqs = 0
	if s == BreakerOpen {
		b.openedAt = time.Now()
	}
	if b.cfg.Name != "" {
		RecordBreakerState(b.cfg.Name, s)
	}
}

// BreakerProvider wraps a Provider with circuit-breaker protection, so a
// sustained run of failures trips the breaker rather than letting every
// caller pile retries onto an already-down backend.
type BreakerProvider struct {
	inner   Provider
	breaker *Breaker
}

// WithBreaker wraps p with a Breaker built from cfg.
func WithBreaker(p Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	return &BreakerProvider{inner: p, breaker: NewBreaker(cfg)}
}

func (w *BreakerProvider) Name() string { return w.inner.Name() }

func (w *BreakerProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	err := w.breaker.Execute(func() error {
		var innerErr error
		resp, innerErr = w.inner.Chat(ctx, req)
		return innerErr
	})
	return resp, err
}

func (w *BreakerProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	var resp ChatResponse
	err := w.breaker.Execute(func() error {
		var innerErr error
		resp, innerErr = w.inner.ChatStream(ctx, req, ch)
		return innerErr
	})
	return resp, err
}

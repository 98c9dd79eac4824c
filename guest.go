package corerun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/corerun/corerun/kv"
)

// GuestLimiterConfig parameterises C12's anonymous-caller limits, per
// spec.md §4.11.
type GuestLimiterConfig struct {
	MaxMessagesPerSession int           // default 3
	SessionLifetime       time.Duration // default 24h
	MaxPerIPHourly        int           // default 10
	MaxPerIPDaily         int           // default 30
	CleanupInterval       time.Duration // default 10m
}

func (c GuestLimiterConfig) withDefaults() GuestLimiterConfig {
	if c.MaxMessagesPerSession <= 0 {
		c.MaxMessagesPerSession = 3
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = 24 * time.Hour
	}
	if c.MaxPerIPHourly <= 0 {
		c.MaxPerIPHourly = 10
	}
	if c.MaxPerIPDaily <= 0 {
		c.MaxPerIPDaily = 30
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

// ErrGuestLimitExceeded is returned by Allow when any of the per-session or
// per-IP-hash limits would be exceeded.
var ErrGuestLimitExceeded = fmt.Errorf("guest: rate limit exceeded")

// GuestLimiter is C12: it bounds how much an anonymous (unauthenticated)
// caller can use the system, keyed by a client-issued session id plus a
// hashed IP so one IP can't sidestep the session cap by minting new session
// ids. All counters live in the KV store so the limit is shared across
// worker processes.
type GuestLimiter struct {
	kv  kv.Store
	cfg GuestLimiterConfig
}

// NewGuestLimiter builds a GuestLimiter over store.
func NewGuestLimiter(store kv.Store, cfg GuestLimiterConfig) *GuestLimiter {
	return &GuestLimiter{kv: store, cfg: cfg.withDefaults()}
}

func guestSessionKey(sessionID string) string  { return "guest:session:" + sessionID }
func guestSessionTTLKey(sessionID string) string { return "guest:session:" + sessionID + ":created" }
func guestIPHourlyKey(ipHash string) string    { return "guest:ip:" + ipHash + ":hourly" }
func guestIPDailyKey(ipHash string) string     { return "guest:ip:" + ipHash + ":daily" }

// HashIP derives the stable, non-reversible key used for per-IP counters,
// so raw client IPs are never persisted.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

// Allow checks and, if permitted, consumes one message's worth of quota for
// sessionID/ip. It returns ErrGuestLimitExceeded (classified KindValidation,
// not retried) the first time any configured limit is hit.
func (g *GuestLimiter) Allow(ctx context.Context, sessionID, ip string) error {
	if _, err := g.kv.Get(ctx, guestSessionTTLKey(sessionID)); err == kv.ErrNotFound {
		if err := g.kv.Set(ctx, guestSessionTTLKey(sessionID), itoa(NowUnix()), g.cfg.SessionLifetime); err != nil {
			return Classify(fmt.Errorf("guest: start session: %w", err), KindTransient)
		}
	} else if err != nil {
		return Classify(fmt.Errorf("guest: check session: %w", err), KindTransient)
	}

	sessionCount, err := g.kv.Incr(ctx, guestSessionKey(sessionID))
	if err != nil {
		return Classify(fmt.Errorf("guest: incr session: %w", err), KindTransient)
	}
	if err := g.kv.Expire(ctx, guestSessionKey(sessionID), g.cfg.SessionLifetime); err != nil {
		return Classify(fmt.Errorf("guest: expire session: %w", err), KindTransient)
	}
	if int(sessionCount) > g.cfg.MaxMessagesPerSession {
		return Classify(ErrGuestLimitExceeded, KindValidation)
	}

	ipHash := HashIP(ip)
	hourly, err := g.kv.Incr(ctx, guestIPHourlyKey(ipHash))
	if err != nil {
		return Classify(fmt.Errorf("guest: incr ip hourly: %w", err), KindTransient)
	}
	if err := g.kv.Expire(ctx, guestIPHourlyKey(ipHash), time.Hour); err != nil {
		return Classify(fmt.Errorf("guest: expire ip hourly: %w", err), KindTransient)
	}
	if int(hourly) > g.cfg.MaxPerIPHourly {
		return Classify(ErrGuestLimitExceeded, KindValidation)
	}

	daily, err := g.kv.Incr(ctx, guestIPDailyKey(ipHash))
	if err != nil {
		return Classify(fmt.Errorf("guest: incr ip daily: %w", err), KindTransient)
	}
	if err := g.kv.Expire(ctx, guestIPDailyKey(ipHash), 24*time.Hour); err != nil {
		return Classify(fmt.Errorf("guest: expire ip daily: %w", err), KindTransient)
	}
	if int(daily) > g.cfg.MaxPerIPDaily {
		return Classify(ErrGuestLimitExceeded, KindValidation)
	}

	return nil
}

// CleanupExpiredSessions scans guest:session:*:created markers and deletes
// any session whose lifetime has elapsed, a defensive sweep for KV backends
// that don't reliably honor TTLs on their own.
func (g *GuestLimiter) CleanupExpiredSessions(ctx context.Context) (int, error) {
	cutoff := NowUnix() - int64(g.cfg.SessionLifetime.Seconds())
	var stale []string
	err := g.kv.Scan(ctx, "guest:session:*:created", func(key string) bool {
		sessionID := key[len("guest:session:") : len(key)-len(":created")]
		createdRaw, err := g.kv.Get(ctx, key)
		if err == kv.ErrNotFound {
			// The marker has already expired: the session is stale.
			stale = append(stale, key, guestSessionKey(sessionID))
			return true
		}
		if err != nil {
			return true
		}
		if atoiOr(createdRaw, NowUnix()) < cutoff {
			stale = append(stale, key, guestSessionKey(sessionID))
		}
		return true
	})
	if err != nil {
		return 0, Classify(fmt.Errorf("guest: cleanup scan: %w", err), KindTransient)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := g.kv.Delete(ctx, stale...); err != nil {
		return 0, Classify(fmt.Errorf("guest: cleanup delete: %w", err), KindTransient)
	}
	return len(stale) / 2, nil
}

// StartCleanupLoop runs CleanupExpiredSessions on cfg.CleanupInterval until
// ctx is canceled.
func (g *GuestLimiter) StartCleanupLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = g.CleanupExpiredSessions(ctx)
			}
		}
	}()
}

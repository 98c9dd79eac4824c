package corerun

import (
	"testing"
	"time"

	"github.com/corerun/corerun/kv/memory"
)

func TestGuestLimiterSessionCap(t *testing.T) {
	store := memory.New()
	g := NewGuestLimiter(store, GuestLimiterConfig{MaxMessagesPerSession: 2, MaxPerIPHourly: 100, MaxPerIPDaily: 100})
	ctx := t.Context()

	if err := g.Allow(ctx, "session-1", "1.2.3.4"); err != nil {
		t.Fatalf("first message: unexpected error: %v", err)
	}
	if err := g.Allow(ctx, "session-1", "1.2.3.4"); err != nil {
		t.Fatalf("second message: unexpected error: %v", err)
	}
	if err := g.Allow(ctx, "session-1", "1.2.3.4"); err == nil {
		t.Fatal("third message: expected ErrGuestLimitExceeded, got nil")
	} else if KindOf(err) != KindValidation {
		t.Errorf("expected KindValidation, got %v", KindOf(err))
	}
}

func TestGuestLimiterPerIPHourlyCap(t *testing.T) {
	store := memory.New()
	g := NewGuestLimiter(store, GuestLimiterConfig{MaxMessagesPerSession: 100, MaxPerIPHourly: 1, MaxPerIPDaily: 100})
	ctx := t.Context()

	if err := g.Allow(ctx, "session-a", "9.9.9.9"); err != nil {
		t.Fatalf("first session: unexpected error: %v", err)
	}
	if err := g.Allow(ctx, "session-b", "9.9.9.9"); err == nil {
		t.Fatal("second session from same IP: expected ErrGuestLimitExceeded, got nil")
	}
}

func TestGuestLimiterDistinctIPsIndependent(t *testing.T) {
	store := memory.New()
	g := NewGuestLimiter(store, GuestLimiterConfig{MaxMessagesPerSession: 100, MaxPerIPHourly: 1, MaxPerIPDaily: 100})
	ctx := t.Context()

	if err := g.Allow(ctx, "session-a", "1.1.1.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Allow(ctx, "session-b", "2.2.2.2"); err != nil {
		t.Fatalf("different IP should not share the hourly budget: %v", err)
	}
}

func TestGuestLimiterCleanupExpiredSessions(t *testing.T) {
	store := memory.New()
	g := NewGuestLimiter(store, GuestLimiterConfig{SessionLifetime: time.Millisecond})
	ctx := t.Context()

	if err := g.Allow(ctx, "session-1", "1.2.3.4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := g.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("cleanup: unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session cleaned up, got %d", n)
	}
}

func TestHashIPStableAndDistinct(t *testing.T) {
	if HashIP("1.2.3.4") != HashIP("1.2.3.4") {
		t.Error("HashIP should be deterministic")
	}
	if HashIP("1.2.3.4") == HashIP("5.6.7.8") {
		t.Error("different IPs should hash differently")
	}
}

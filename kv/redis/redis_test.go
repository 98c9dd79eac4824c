package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{Addr: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestSetGet(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v" {
		t.Errorf("Get = %q, want v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	_, s := setupTestStore(t)
	if _, err := s.Get(t.Context(), "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestSetNXMutualExclusion(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	ok1, err := s.SetNX(ctx, "lease", "owner-a", time.Minute)
	if err != nil || !ok1 {
		t.Fatalf("first SetNX = %v, %v; want true, nil", ok1, err)
	}
	ok2, err := s.SetNX(ctx, "lease", "owner-b", time.Minute)
	if err != nil || ok2 {
		t.Fatalf("second SetNX = %v, %v; want false, nil", ok2, err)
	}
	v, _ := s.Get(ctx, "lease")
	if v != "owner-a" {
		t.Errorf("lease holder = %q, want owner-a", v)
	}
}

func TestIncr(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	for i := int64(1); i <= 3; i++ {
		v, err := s.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if v != i {
			t.Errorf("Incr = %d, want %d", v, i)
		}
	}
}

func TestSetMembership(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	if err := s.SAdd(ctx, "owners", "a", "b", "c"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	members, err := s.SMembers(ctx, "owners")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("SMembers returned %d members, want 3", len(members))
	}
	if err := s.SRem(ctx, "owners", "b"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, _ = s.SMembers(ctx, "owners")
	if len(members) != 2 {
		t.Errorf("after SRem, %d members remain, want 2", len(members))
	}
}

func TestListPushRangeTrim(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	if err := s.LPush(ctx, "queue", "c", "b", "a"); err != nil {
		t.Fatalf("LPush: %v", err)
	}
	vals, err := s.LRange(ctx, "queue", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("LRange returned %d values, want 3", len(vals))
	}
	if err := s.LTrim(ctx, "queue", 0, 0); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	vals, _ = s.LRange(ctx, "queue", 0, -1)
	if len(vals) != 1 {
		t.Errorf("after LTrim, %d values remain, want 1", len(vals))
	}
}

func TestStreamAppendAndRange(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	id, err := s.XAdd(ctx, "stream:1", 0, map[string]string{"type": "content", "seq": "1"})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id == "" {
		t.Fatal("XAdd returned empty id")
	}

	n, err := s.XLen(ctx, "stream:1")
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n != 1 {
		t.Errorf("XLen = %d, want 1", n)
	}

	entries, err := s.XRange(ctx, "stream:1", "-", "+", 0)
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 || entries[0].Fields["type"] != "content" {
		t.Errorf("XRange = %+v, want single content entry", entries)
	}
}

func TestScanMatchesPattern(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := t.Context()

	_ = s.Set(ctx, "run:1:owner", "w1", 0)
	_ = s.Set(ctx, "run:2:owner", "w2", 0)
	_ = s.Set(ctx, "other", "x", 0)

	var found []string
	err := s.Scan(ctx, "run:*:owner", func(key string) bool {
		found = append(found, key)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("Scan found %d keys, want 2: %v", len(found), found)
	}
}

package corerun

import (
	"testing"
	"time"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNowUnixMonotonicEnough(t *testing.T) {
	a := NowUnix()
	time.Sleep(1100 * time.Millisecond)
	b := NowUnix()
	if b <= a {
		t.Fatalf("expected NowUnix to advance, got a=%d b=%d", a, b)
	}
}

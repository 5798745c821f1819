package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireTokenExhaustionAndRefill(t *testing.T) {
	tb := New(Config{TokensPerInterval: 10, Interval: time.Second, MaxTokens: 20})
	fake := time.Now()
	tb.now = func() time.Time { return fake }

	for i := 0; i < 20; i++ {
		if !tb.AcquireToken() {
			t.Fatalf("acquire %d: expected success", i)
		}
	}
	if tb.AcquireToken() {
		t.Fatal("expected exhaustion")
	}

	fake = fake.Add(1100 * time.Millisecond)
	if !tb.AcquireToken() {
		t.Fatal("expected token after refill")
	}
	remaining := tb.GetRemainingTokens()
	if remaining < 9 || remaining > 10 {
		t.Fatalf("remaining = %d, want in [9,10]", remaining)
	}
}

func TestGetTimeUntilNextToken(t *testing.T) {
	tb := New(Config{TokensPerInterval: 1, Interval: 100 * time.Millisecond, MaxTokens: 1})
	fake := time.Now()
	tb.now = func() time.Time { return fake }

	if !tb.AcquireToken() {
		t.Fatal("expected initial token")
	}
	if d := tb.GetTimeUntilNextToken(); d <= 0 || d > 100*time.Millisecond {
		t.Fatalf("time until next token = %v", d)
	}

	fake = fake.Add(100 * time.Millisecond)
	if d := tb.GetTimeUntilNextToken(); d != 0 {
		t.Fatalf("expected 0 once refilled, got %v", d)
	}
}

func TestAcquireTokenWhenAvailable(t *testing.T) {
	tb := New(Config{TokensPerInterval: 5, Interval: time.Second, MaxTokens: 5})
	if got := tb.GetRemainingTokens(); got != 5 {
		t.Fatalf("initial tokens = %d", got)
	}
	if !tb.AcquireToken() {
		t.Fatal("expected success")
	}
	if got := tb.GetRemainingTokens(); got != 4 {
		t.Fatalf("tokens after acquire = %d", got)
	}
}

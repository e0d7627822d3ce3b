package dispatch

import (
	"testing"
	"time"

	"examrelay/pkg/types"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(0.001, 3)
	id := types.ConnectionID("c1")

	for i := 0; i < 3; i++ {
		if !rl.Allow(id) {
			t.Fatalf("call %d within burst denied", i)
		}
	}
	if rl.Allow(id) {
		t.Error("call beyond burst should be denied")
	}

	// Buckets are per connection
	if !rl.Allow("c2") {
		t.Error("another connection should have its own bucket")
	}
}

func TestRateLimiter_ZeroRateDisables(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !rl.Allow("c1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
	if rl.Tracked() != 0 {
		t.Errorf("disabled limiter should not track buckets, tracked %d", rl.Tracked())
	}
}

func TestRateLimiter_ForgetAndRetune(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow("c1")
	rl.Allow("c2")
	if rl.Tracked() != 2 {
		t.Fatalf("tracked = %d, want 2", rl.Tracked())
	}

	rl.Forget("c1")
	if rl.Tracked() != 1 {
		t.Errorf("tracked after Forget = %d, want 1", rl.Tracked())
	}

	if rl.Allow("c2") {
		t.Fatal("c2 should be exhausted")
	}
	rl.SetLimit(1000, 10)
	time.Sleep(10 * time.Millisecond)
	if !rl.Allow("c2") {
		t.Error("retuned bucket should allow again")
	}

	rl.SetLimit(0, 0)
	if rl.Tracked() != 0 {
		t.Error("disabling should drop every bucket")
	}
}

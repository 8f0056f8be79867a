package gateway

import "testing"

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0, 5)
	if r.Enabled() {
		t.Fatal("rpm 0 should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !r.Allow("client") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	// 1 rpm with burst 2: two immediate requests pass, the third waits
	// a minute we don't have.
	r := NewRateLimiter(1, 2)
	if !r.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	if !r.Allow("a") || !r.Allow("a") {
		t.Fatal("burst denied")
	}
	if r.Allow("a") {
		t.Fatal("third immediate request allowed")
	}

	// Independent per client.
	if !r.Allow("b") {
		t.Fatal("fresh client denied")
	}

	// Forget resets the budget.
	r.Forget("a")
	if !r.Allow("a") {
		t.Fatal("forgotten client still limited")
	}
}

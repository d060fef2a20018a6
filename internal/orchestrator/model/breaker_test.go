package model

import "testing"

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(2, DefaultBreakerCoolOff)

	if !b.Allow("a") {
		t.Fatal("fresh breaker should allow")
	}
	b.RecordFailure("a")
	if !b.Allow("a") {
		t.Fatal("breaker should stay closed below threshold")
	}
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("breaker should open once threshold is reached")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	b := NewCircuitBreaker(1, 0)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("breaker should be open")
	}
	b.RecordSuccess("a")
	if !b.Allow("a") {
		t.Fatal("success should reset the breaker")
	}
}

func TestRunWithBreakerSkipsOpenAlias(t *testing.T) {
	b := NewCircuitBreaker(1, DefaultBreakerCoolOff)
	chain := &Chain{Primary: Ref{ProviderID: "p1", ModelID: "m1"}, Fallbacks: []Ref{{ProviderID: "p2", ModelID: "m2"}}}
	b.RecordFailure(chain.Primary.String())

	calls := map[string]int{}
	result := RunWithBreaker(chain, b, func(r Ref) (string, error) {
		calls[r.String()]++
		return "ok", nil
	})
	if !result.OK {
		t.Fatal("expected the fallback candidate to succeed")
	}
	if calls[chain.Primary.String()] != 0 {
		t.Error("expected the open primary to be skipped, not called")
	}
	if result.Ref != chain.Fallbacks[0] {
		t.Errorf("result.Ref = %v, want fallback", result.Ref)
	}
}

package inflight

import "testing"

func TestAcquireBlocksConcurrentTurn(t *testing.T) {
	g := NewGuard()
	key := Key{OperatorID: "op1", GhostName: "ghost1", SessionID: "s1"}

	release, err := g.Acquire(key)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if !g.InFlight(key) {
		t.Error("expected key to be in flight")
	}
	if _, err := g.Acquire(key); err == nil {
		t.Error("expected second Acquire to fail while first is in flight")
	}

	release()
	if g.InFlight(key) {
		t.Error("expected key to no longer be in flight after release")
	}
	if _, err := g.Acquire(key); err != nil {
		t.Errorf("expected Acquire to succeed after release, got %v", err)
	}
}

func TestAcquireIsIndependentPerKey(t *testing.T) {
	g := NewGuard()
	k1 := Key{OperatorID: "op1", GhostName: "ghost1", SessionID: "s1"}
	k2 := Key{OperatorID: "op1", GhostName: "ghost1", SessionID: "s2"}

	if _, err := g.Acquire(k1); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire(k2); err != nil {
		t.Errorf("expected a distinct session key to acquire independently, got %v", err)
	}
}

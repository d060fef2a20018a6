package pending

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutResolveOnce(t *testing.T) {
	s := openTestStore(t)
	token, err := s.Put(Action{
		OperatorID: "op-1",
		GhostName:  "wisp",
		SessionID:  "sess-1",
		Intent:     "tool_approval",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	a, err := s.Resolve(token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.OperatorID != "op-1" || a.SessionID != "sess-1" || a.Intent != "tool_approval" {
		t.Fatalf("resolved action = %+v", a)
	}

	// Second resolution must fail: tokens are single-use.
	if _, err := s.Resolve(token); err == nil {
		t.Fatal("token resolved twice")
	}
}

func TestResolveUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Resolve("nope"); err == nil {
		t.Fatal("unknown token resolved")
	}
}

func TestExpiry(t *testing.T) {
	s := openTestStore(t)
	token, err := s.Put(Action{OperatorID: "op-1", Intent: "tool_approval"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// Backdate the expiry by rewriting the stored action.
	a := Action{Token: token, OperatorID: "op-1", Intent: "tool_approval", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := s.overwrite(a); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	_, err = s.Resolve(token)
	var expired *ErrTokenExpired
	if !errors.As(err, &expired) {
		t.Fatalf("resolve expired token: err = %v, want ErrTokenExpired", err)
	}

	// An expired token that was never resolved is swept.
	token2, _ := s.Put(Action{OperatorID: "op-2", Intent: "tool_approval"})
	if err := s.overwrite(Action{Token: token2, OperatorID: "op-2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
}

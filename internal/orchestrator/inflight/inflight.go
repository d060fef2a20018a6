// Package inflight implements the process-wide per-session turn guard
// of spec §4.4 "Concurrency": a map of (operator_id, ghost_name,
// session_id) to an in-flight flag, serializing chat turns and letting
// background jobs defer to an in-progress user turn. No teacher file
// needs this — the teacher never has to coordinate a foreground chat
// turn against background jobs touching the same session — so it is
// original code, kept deliberately small (a mutex-guarded set, the same
// primitive style the rest of this module uses for its registries).
package inflight

import (
	"fmt"
	"sync"
)

// Key identifies one session's turn slot.
type Key struct {
	OperatorID string
	GhostName  string
	SessionID  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OperatorID, k.GhostName, k.SessionID)
}

// Guard is a process-wide set of keys currently running a turn.
type Guard struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewGuard() *Guard {
	return &Guard{active: make(map[string]bool)}
}

// ErrBusy is returned by Acquire when the key is already in flight.
type ErrBusy struct{ Key Key }

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("a turn is already in flight for %s", e.Key)
}

// Acquire marks key in flight, returning ErrBusy if a turn is already
// running for it. On success the caller must call the returned release
// function exactly once, typically via defer.
func (g *Guard) Acquire(key Key) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key.String()
	if g.active[k] {
		return nil, &ErrBusy{Key: key}
	}
	g.active[k] = true
	return func() { g.release(k) }, nil
}

func (g *Guard) release(k string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, k)
}

// InFlight reports whether key currently has a turn running, the check
// a background job runner makes before touching a session (spec §4.7
// "Skip if session is in-flight").
func (g *Guard) InFlight(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key.String()]
}

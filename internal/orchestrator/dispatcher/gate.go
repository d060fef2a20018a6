package dispatcher

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is one node of the per-session approval state machine (spec
// §4.6). No teacher precedent exists for an approval gate — the
// teacher's agent runtime executes tool calls unconditionally — so this
// state machine is built directly from the spec's diagram.
type State string

const (
	StateIdle      State = "idle"
	StateAwaitAck  State = "await_ack"
	StateActive    State = "active"
	StateAbort     State = "abort"
)

// Gate tracks one session's approval state. A process-wide map keyed by
// (operator, ghost, session) — held by the caller, not here — gives
// each session its own Gate instance.
type Gate struct {
	mu           sync.Mutex
	state        State
	budget       int
	pendingToken string
	bypass       bool
}

// NewGate constructs a Gate. bypass mirrors a puppet-master operator
// configuration that skips the approval prompt entirely (spec §4.6 "A
// puppet-master operator may bypass the gate").
func NewGate(bypass bool) *Gate {
	return &Gate{state: StateIdle, bypass: bypass}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RequestApproval is called on the first tool_use block of a turn. It
// allocates a pending-action token the operator UI can round-trip, and
// returns it along with the new state. A bypass gate skips straight to
// Active with defaultBudget steps and no token.
func (g *Gate) RequestApproval(defaultBudget int) (State, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bypass {
		g.state = StateActive
		g.budget = defaultBudget
		return g.state, ""
	}
	if g.state == StateIdle {
		g.pendingToken = uuid.New().String()
		g.state = StateAwaitAck
	}
	return g.state, g.pendingToken
}

// Approve transitions AwaitAck → Active with the given step budget.
func (g *Gate) Approve(steps int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAwaitAck {
		return fmt.Errorf("approve: gate is %s, want %s", g.state, StateAwaitAck)
	}
	if steps <= 0 {
		return fmt.Errorf("approve: step budget must be positive, got %d", steps)
	}
	g.state = StateActive
	g.budget = steps
	g.pendingToken = ""
	return nil
}

// Deny transitions AwaitAck or Active → Abort.
func (g *Gate) Deny() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAwaitAck && g.state != StateActive {
		return fmt.Errorf("deny: gate is %s, nothing to deny", g.state)
	}
	g.state = StateAbort
	g.pendingToken = ""
	return nil
}

// SetSteps applies a "steps <N>" control message: answering an
// AwaitAck prompt with it approves with a budget of N, and while
// Active it replaces the remaining budget with N.
func (g *Gate) SetSteps(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n < 1 {
		return fmt.Errorf("steps: budget must be at least 1, got %d", n)
	}
	switch g.state {
	case StateAwaitAck:
		g.state = StateActive
		g.budget = n
		g.pendingToken = ""
		return nil
	case StateActive:
		g.budget = n
		return nil
	default:
		return fmt.Errorf("steps: gate is %s, want %s or %s", g.state, StateAwaitAck, StateActive)
	}
}

// ConsumeStep reports whether one more tool call is allowed, and if so
// decrements the remaining budget. A zero budget transitions to Abort
// (spec §4.6 "budget=0 ... → Abort").
func (g *Gate) ConsumeStep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateActive || g.budget <= 0 {
		g.state = StateAbort
		return false
	}
	g.budget--
	return true
}

// Reset returns the gate to Idle, called once the provider returns a
// text-only reply and the turn ends (spec §4.6 "Idle (when provider
// returns text-only)").
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateIdle
	g.budget = 0
	g.pendingToken = ""
}

func (g *Gate) PendingToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingToken
}

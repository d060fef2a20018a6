package dispatcher

import (
	"fmt"
	"strconv"
	"strings"
)

// ControlKind discriminates an operator control message (spec §4.6
// "Transitions are triggered by operator control messages: approve,
// deny, steps <N>").
type ControlKind string

const (
	ControlApprove ControlKind = "approve"
	ControlDeny    ControlKind = "deny"
	ControlSteps   ControlKind = "steps"
)

// Control is a parsed operator control message.
type Control struct {
	Kind  ControlKind
	Steps int // only meaningful for ControlSteps
}

// ParseControl parses the handful of plain-text control verbs an
// operator can send while a gate is AwaitAck or Active. Case- and
// whitespace-insensitive, matching how operator chat input is typically
// typed.
func ParseControl(text string) (*Control, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return nil, fmt.Errorf("parse control: empty message")
	}

	switch fields[0] {
	case "approve":
		return &Control{Kind: ControlApprove}, nil
	case "deny":
		return &Control{Kind: ControlDeny}, nil
	case "steps":
		if len(fields) != 2 {
			return nil, fmt.Errorf("parse control: %q wants exactly one argument", text)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse control: %q is not a step count: %w", fields[1], err)
		}
		return &Control{Kind: ControlSteps, Steps: n}, nil
	default:
		return nil, fmt.Errorf("parse control: unrecognized control message %q", text)
	}
}

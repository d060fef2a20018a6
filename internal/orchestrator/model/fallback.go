package model

import (
	"fmt"
	"strings"
)

// Ref identifies a model within a provider.
type Ref struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

func (r Ref) String() string { return fmt.Sprintf("%s/%s", r.ProviderID, r.ModelID) }

// Chain configures the ordered primary+fallback model list a chat turn
// will try, adapted from the teacher's FallbackConfig/Candidates.
type Chain struct {
	Primary     Ref
	Fallbacks   []Ref
	MaxAttempts int
}

// Candidates returns the deduplicated ordered candidate list, primary
// first.
func (c *Chain) Candidates() []Ref {
	seen := map[string]bool{}
	out := make([]Ref, 0, 1+len(c.Fallbacks))
	add := func(r Ref) {
		key := r.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, r)
	}
	add(c.Primary)
	for _, fb := range c.Fallbacks {
		add(fb)
	}
	return out
}

func (c *Chain) EffectiveMaxAttempts() int {
	total := 1 + len(c.Fallbacks)
	if c.MaxAttempts > 0 && c.MaxAttempts < total {
		return c.MaxAttempts
	}
	return total
}

// Attempt records one candidate's outcome.
type Attempt struct {
	Ref        Ref            `json:"ref"`
	Error      string         `json:"error,omitempty"`
	Reason     FailoverReason `json:"reason,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// Result[T] holds the outcome of running a chain to completion.
type Result[T any] struct {
	Value    T
	Ref      Ref
	Attempts []Attempt
	OK       bool
}

func (r *Result[T]) Summary() string {
	if len(r.Attempts) == 0 {
		return "no attempts"
	}
	parts := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		switch {
		case a.Skipped:
			parts = append(parts, fmt.Sprintf("%s: skipped (%s)", a.Ref, a.SkipReason))
		case a.Error != "":
			reason := ""
			if a.Reason != ReasonUnknown {
				reason = fmt.Sprintf(" (%s)", a.Reason)
			}
			parts = append(parts, fmt.Sprintf("%s: %s%s", a.Ref, a.Error, reason))
		}
	}
	return strings.Join(parts, " | ")
}

func (r *Result[T]) AllFailedError() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("all models failed (%d attempts): %s", len(r.Attempts), r.Summary())
}

// Run tries each candidate in chain in order, calling attempt for each,
// stopping at the first success, at an error whose reason does not
// ShouldFailover (a format error), or when attempts are exhausted.
// Every other classification, auth and billing included, moves on to
// the next candidate.
func Run[T any](chain *Chain, attempt func(Ref) (T, error)) *Result[T] {
	candidates := chain.Candidates()
	max := chain.EffectiveMaxAttempts()
	result := &Result[T]{}

	for i, ref := range candidates {
		if i >= max {
			break
		}
		value, err := attempt(ref)
		if err == nil {
			result.Value = value
			result.Ref = ref
			result.OK = true
			result.Attempts = append(result.Attempts, Attempt{Ref: ref})
			return result
		}

		fe := NewFailoverErrorFromCause(err, ref.ProviderID, ref.ModelID)
		result.Attempts = append(result.Attempts, Attempt{
			Ref: ref, Error: fe.Message, Reason: fe.Reason, StatusCode: fe.StatusCode,
		})
		if !fe.Reason.ShouldFailover() {
			break
		}
	}
	return result
}

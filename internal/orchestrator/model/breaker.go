package model

import (
	"sync"
	"time"
)

// Circuit breaker defaults. No pack teacher implements one for its
// model layer; these constants are grounded on the CBErrorThreshold/
// CBHalfOpenTimeout shape used by the llm-gateway reference file in
// other_examples, since the pack otherwise carries no breaker library
// (no sony/gobreaker or similar in any example's go.mod) to adopt
// instead.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCoolOff   = 30 * time.Second
)

// CircuitBreaker tracks consecutive failures per model alias and opens
// (skips) an alias for a cool-off window once a threshold is crossed
// (spec §4.4 "A circuit breaker tracks consecutive failures per alias;
// after a threshold, the alias is skipped for a cool-off window.
// Success at any alias resets its breaker.").
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	coolOff   time.Duration
	failures  map[string]int
	openUntil map[string]time.Time
}

func NewCircuitBreaker(threshold int, coolOff time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if coolOff <= 0 {
		coolOff = DefaultBreakerCoolOff
	}
	return &CircuitBreaker{
		threshold: threshold,
		coolOff:   coolOff,
		failures:  make(map[string]int),
		openUntil: make(map[string]time.Time),
	}
}

// Allow reports whether alias may currently be attempted. Once an open
// breaker's cool-off window has passed, every call is allowed again;
// the failure count is kept until RecordSuccess clears it, so the next
// RecordFailure reopens the breaker at once.
func (b *CircuitBreaker) Allow(alias string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, open := b.openUntil[alias]
	if !open {
		return true
	}
	return !time.Now().Before(until)
}

func (b *CircuitBreaker) RecordSuccess(alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, alias)
	delete(b.openUntil, alias)
}

func (b *CircuitBreaker) RecordFailure(alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[alias]++
	if b.failures[alias] >= b.threshold {
		b.openUntil[alias] = time.Now().Add(b.coolOff)
	}
}

// RunWithBreaker is Run plus a circuit breaker check ahead of each
// candidate: an open alias is recorded as a skipped attempt rather than
// invoked.
func RunWithBreaker[T any](chain *Chain, breaker *CircuitBreaker, attempt func(Ref) (T, error)) *Result[T] {
	candidates := chain.Candidates()
	max := chain.EffectiveMaxAttempts()
	result := &Result[T]{}

	for i, ref := range candidates {
		if i >= max {
			break
		}
		if breaker != nil && !breaker.Allow(ref.String()) {
			result.Attempts = append(result.Attempts, Attempt{Ref: ref, Skipped: true, SkipReason: "circuit breaker open"})
			continue
		}

		value, err := attempt(ref)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess(ref.String())
			}
			result.Value = value
			result.Ref = ref
			result.OK = true
			result.Attempts = append(result.Attempts, Attempt{Ref: ref})
			return result
		}

		if breaker != nil {
			breaker.RecordFailure(ref.String())
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

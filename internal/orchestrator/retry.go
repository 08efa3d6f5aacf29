package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a fingerprint is restarted after consecutive
// failed attempts.
type RetryPolicy struct {
	// MaxRetries is the number of restarts allowed; negative means unlimited.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
}

// DefaultRetryPolicy is used when Config.Retry is the zero value.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     5,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     time.Minute,
	Jitter:         0.2,
}

type retryState struct {
	failures int
	backoff  *backoff.ExponentialBackOff
}

// retryTracker keeps consecutive failure counts per fingerprint.
type retryTracker struct {
	policy RetryPolicy
	states map[JobID]*retryState
}

func newRetryTracker(p RetryPolicy) *retryTracker {
	return &retryTracker{policy: p, states: make(map[JobID]*retryState)}
}

// next records a failure for id and returns the delay before the next
// attempt. ok is false once the budget is spent; the state is then dropped.
func (t *retryTracker) next(id JobID) (delay time.Duration, ok bool) {
	st, exists := t.states[id]
	if !exists {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = t.policy.InitialBackoff
		b.MaxInterval = t.policy.MaxBackoff
		b.RandomizationFactor = t.policy.Jitter
		b.MaxElapsedTime = 0
		b.Reset()
		st = &retryState{backoff: b}
		t.states[id] = st
	}

	st.failures++
	if t.policy.MaxRetries >= 0 && st.failures > t.policy.MaxRetries {
		delete(t.states, id)
		return 0, false
	}
	return st.backoff.NextBackOff(), true
}

func (t *retryTracker) failures(id JobID) int {
	if st, ok := t.states[id]; ok {
		return st.failures
	}
	return 0
}

func (t *retryTracker) forget(id JobID) {
	delete(t.states, id)
}

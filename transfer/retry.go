package transfer

import (
	"errors"
	"math/rand"
	"time"
)

// RetryDecision is computed for every failure and never persisted.
type RetryDecision struct {
	ShouldRetry bool
	// ResumeOffset is the durable offset the failure already confirmed.
	// Nil when the resume point has to be re-read from the remote side.
	ResumeOffset *int64
	Delay        time.Duration
	// Err is the error to surface when ShouldRetry is false.
	Err error
}

// Policy decides whether and when a failed operation is retried.
type Policy struct {
	// MaxRetries is the number of retries allowed for a run of consecutive failures.
	MaxRetries int
	// BaseDelay is the delay before the first retry, doubled for every further attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Jitter adds up to Jitter*delay random extra wait. Zero disables it.
	Jitter float64

	rand func() float64
}

// IsZero reports whether no field of the policy is set.
func (p Policy) IsZero() bool {
	return p.MaxRetries == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 && p.Jitter == 0 && p.rand == nil
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
	}
}

// Decide returns the retry decision for the attempt-th consecutive failure (1 based).
func (p Policy) Decide(failure Failure, attempt int) RetryDecision {
	switch failure.Kind {
	case KindTransientNetwork, KindServerBusy:
		if attempt > p.MaxRetries {
			return RetryDecision{Err: &RetriesExhaustedError{Attempts: attempt, Err: failure.Err}}
		}
		return RetryDecision{
			ShouldRetry:  true,
			ResumeOffset: failure.ConfirmedOffset,
			Delay:        p.delay(failure, attempt),
		}
	case KindProtocolMismatch, KindSessionExpired, KindResource, KindCancelled, KindFatal:
		return RetryDecision{Err: failure.Err}
	}

	return RetryDecision{Err: failure.Err}
}

// Backoff returns the delay before the attempt-th retry without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) delay(failure Failure, attempt int) time.Duration {
	d := p.Backoff(attempt)

	var busy *ServerBusyError
	if errors.As(failure.Err, &busy) && busy.RetryAfter > d {
		d = busy.RetryAfter
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}

	if p.Jitter > 0 && d > 0 {
		random := p.rand
		if random == nil {
			random = rand.Float64
		}
		d += time.Duration(float64(d) * p.Jitter * random())
	}

	return d
}

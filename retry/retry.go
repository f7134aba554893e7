// Package retry decides whether a failed RPC attempt is tried again.
//
// A Policy is a pure function of (error, attempt): it keeps no state, so one policy
// can be shared by every call of an engine. attempt is the 0-based index of the attempt
// that just failed; a policy allowing N retries therefore permits N+1 attempts in total.
//
// Only transport and protocol errors are ever retried. Server errors, cancellation and
// shutdown always FAIL.
package retry

import (
	"fmt"
	"math"
	"time"

	"dfs-rpc/rpcerr"

	"github.com/pkg/errors"
)

type Action int

const (
	Fail Action = iota
	RetryImmediately
	RetryAfter
)

func (a Action) String() string {
	switch a {
	case Fail:
		return "FAIL"
	case RetryImmediately:
		return "RETRY_IMMEDIATELY"
	case RetryAfter:
		return "RETRY_AFTER"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

type Decision struct {
	Action Action
	Delay  time.Duration // only for RetryAfter
}

func (d Decision) String() string {
	if d.Action == RetryAfter {
		return fmt.Sprintf("%s(%s)", d.Action, d.Delay)
	}
	return d.Action.String()
}

var FailDecision = Decision{Action: Fail}

// After returns RetryImmediately for a zero delay, RetryAfter otherwise.
func After(d time.Duration) Decision {
	if d <= 0 {
		return Decision{Action: RetryImmediately}
	}
	return Decision{Action: RetryAfter, Delay: d}
}

type Policy interface {
	ShouldRetry(err error, attempt int) Decision
}

// PolicyFunc adapts a function to Policy. The retriability check is still applied.
type PolicyFunc func(err error, attempt int) Decision

func (f PolicyFunc) ShouldRetry(err error, attempt int) Decision {
	if !rpcerr.Retriable(err) {
		return FailDecision
	}
	return f(err, attempt)
}

// NoRetry fails every error.
var NoRetry Policy = PolicyFunc(func(error, int) Decision { return FailDecision })

// FixedDelay retries up to MaxRetries times, waiting Delay before each retry.
type FixedDelay struct {
	MaxRetries int
	Delay      time.Duration
}

func (p FixedDelay) ShouldRetry(err error, attempt int) Decision {
	if !rpcerr.Retriable(err) || attempt >= p.MaxRetries {
		return FailDecision
	}
	return After(p.Delay)
}

// ExponentialBackoff retries up to MaxRetries times, waiting BaseDelay·2^attempt,
// capped at MaxDelay when MaxDelay > 0 and at the largest Duration otherwise.
type ExponentialBackoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p ExponentialBackoff) ShouldRetry(err error, attempt int) Decision {
	if !rpcerr.Retriable(err) || attempt >= p.MaxRetries {
		return FailDecision
	}
	if attempt > 30 {
		attempt = 30
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := limit
	if p.BaseDelay <= limit>>attempt {
		d = p.BaseDelay << attempt
	}
	return After(d)
}

const (
	KindFixed       = "fixed"
	KindExponential = "exponential"
)

// New builds a policy by name.
func New(kind string, maxRetries int, delay, maxDelay time.Duration) (Policy, error) {
	if maxRetries < 0 {
		return nil, errors.Errorf("max retries must be >= 0, got %d", maxRetries)
	}
	switch kind {
	case "", KindFixed:
		return FixedDelay{MaxRetries: maxRetries, Delay: delay}, nil
	case KindExponential:
		return ExponentialBackoff{MaxRetries: maxRetries, BaseDelay: delay, MaxDelay: maxDelay}, nil
	}
	return nil, errors.Errorf("unknown retry policy %q", kind)
}

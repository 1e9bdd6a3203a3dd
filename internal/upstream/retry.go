package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

var (
	// ErrTransient marks failures worth retrying on the same page
	ErrTransient = errors.New("transient upstream failure")
	// ErrUnauthorized is returned when a fresh token is also rejected
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrRetriesExhausted is returned when a page fails on every attempt
	ErrRetriesExhausted = errors.New("page retries exhausted")
)

// StatusError is a non-2xx upstream response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Code)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// State is a page fetch state
type State int

const (
	StateFetching State = iota
	StateRetrying
	StateSucceeded
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further request will be made
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFailed
}

// Outcome classifies one page request
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomeUnauthorized
	OutcomeFatal
)

// Step is the retry state of one page. Attempt counts retries spent from
// the transient budget; AuthRetried records the single token refresh.
type Step struct {
	State       State
	Attempt     int
	AuthRetried bool
}

// Transition returns the next step after a request finished with outcome.
// A 401 earns one immediate retry that does not spend the budget.
func Transition(s Step, o Outcome, budget int) Step {
	switch o {
	case OutcomeOK:
		s.State = StateSucceeded
	case OutcomeTransient:
		if s.Attempt < budget {
			s.Attempt++
			s.State = StateRetrying
		} else {
			s.State = StateExhausted
		}
	case OutcomeUnauthorized:
		if s.AuthRetried {
			s.State = StateFailed
		} else {
			s.AuthRetried = true
			s.State = StateFetching
		}
	default:
		s.State = StateFailed
	}
	return s
}

// Backoff returns the delay before retry number attempt
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base * time.Duration(attempt)
}

// Classify maps a request error to an outcome
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized:
			return OutcomeUnauthorized
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return OutcomeTransient
		}
		return OutcomeFatal
	}

	if errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return OutcomeTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTransient
	}
	return OutcomeFatal
}

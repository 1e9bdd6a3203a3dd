package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Step
		outcome Outcome
		budget  int
		want    Step
	}{
		{"success", Step{State: StateFetching}, OutcomeOK, 3, Step{State: StateSucceeded}},
		{"first transient", Step{State: StateFetching}, OutcomeTransient, 3, Step{State: StateRetrying, Attempt: 1}},
		{"last retry", Step{State: StateRetrying, Attempt: 2}, OutcomeTransient, 3, Step{State: StateRetrying, Attempt: 3}},
		{"budget spent", Step{State: StateRetrying, Attempt: 3}, OutcomeTransient, 3, Step{State: StateExhausted, Attempt: 3}},
		{"zero budget", Step{State: StateFetching}, OutcomeTransient, 0, Step{State: StateExhausted}},
		{"first 401", Step{State: StateFetching}, OutcomeUnauthorized, 3, Step{State: StateFetching, AuthRetried: true}},
		{"second 401", Step{State: StateFetching, AuthRetried: true}, OutcomeUnauthorized, 3, Step{State: StateFailed, AuthRetried: true}},
		{"401 keeps attempts", Step{State: StateRetrying, Attempt: 2}, OutcomeUnauthorized, 3, Step{State: StateFetching, Attempt: 2, AuthRetried: true}},
		{"fatal", Step{State: StateRetrying, Attempt: 1}, OutcomeFatal, 3, Step{State: StateFailed, Attempt: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.from, tt.outcome, tt.budget)
			if got != tt.want {
				t.Errorf("Transition(%+v, %v) = %+v, want %+v", tt.from, tt.outcome, got, tt.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateExhausted, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateFetching, StateRetrying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"503", &StatusError{Code: http.StatusServiceUnavailable}, OutcomeTransient},
		{"502", &StatusError{Code: http.StatusBadGateway}, OutcomeTransient},
		{"504", &StatusError{Code: http.StatusGatewayTimeout}, OutcomeTransient},
		{"429", &StatusError{Code: http.StatusTooManyRequests}, OutcomeTransient},
		{"401", &StatusError{Code: http.StatusUnauthorized}, OutcomeUnauthorized},
		{"404", &StatusError{Code: http.StatusNotFound}, OutcomeFatal},
		{"500", &StatusError{Code: http.StatusInternalServerError}, OutcomeFatal},
		{"wrapped 503", fmt.Errorf("page: %w", &StatusError{Code: 503}), OutcomeTransient},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), OutcomeTransient},
		{"refused", syscall.ECONNREFUSED, OutcomeTransient},
		{"truncated body", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), OutcomeTransient},
		{"deadline", context.DeadlineExceeded, OutcomeTransient},
		{"net timeout", timeoutErr{}, OutcomeTransient},
		{"cancelled", context.Canceled, OutcomeFatal},
		{"other", errors.New("boom"), OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffIsLinear(t *testing.T) {
	base := 100 * time.Millisecond
	if Backoff(base, 0) != 0 {
		t.Error("no delay before the first request")
	}
	if Backoff(base, 1) != base || Backoff(base, 3) != 3*base {
		t.Errorf("unexpected backoff: %v, %v", Backoff(base, 1), Backoff(base, 3))
	}
}

func TestCursor(t *testing.T) {
	tests := map[string]string{
		``:          "",
		`null`:      "",
		`""`:        "",
		`"abc"`:     "abc",
		`12345`:     "12345",
		`{"k":"v"}`: `{"k":"v"}`,
	}
	for in, want := range tests {
		if got := cursor([]byte(in)); got != want {
			t.Errorf("cursor(%q) = %q, want %q", in, got, want)
		}
	}
}

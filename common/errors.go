package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNavigationTimeout is the transient condition sessions wrap when a
// single navigation exceeds their per-navigation timeout. It is the only
// navigation error the Navigator retries.
var ErrNavigationTimeout = errors.New("navigation timed out")

// ConfigurationError is returned for timeout and multiplier combinations
// that can never complete a navigation. It is detected before the session
// is touched and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid navigation configuration: %s: %s", e.Field, e.Reason)
}

// CompletionTimeoutError is returned when the overall budget elapses before
// a navigation attempt is confirmed complete. LastErr holds the last
// transient error seen, if any. It isn't unwrapped: the budget is spent,
// so the error must not match ErrNavigationTimeout.
type CompletionTimeoutError struct {
	URL      string
	Budget   time.Duration
	Attempts int
	LastErr  error
}

func (e *CompletionTimeoutError) Error() string {
	return fmt.Sprintf("%s has failed to load completely within %s (%d attempts)", e.URL, e.Budget, e.Attempts)
}

// IsNavigationTimeout reports whether err is the ignorable navigation
// timeout condition. A *CompletionTimeoutError never is.
func IsNavigationTimeout(err error) bool {
	return errors.Is(err, ErrNavigationTimeout)
}

// isTransient classifies err returned by a session call made with bounded,
// a context derived from parent. Navigation timeouts and calls cut short by
// the overall budget are transient. A cancelled parent is always fatal.
func isTransient(parent, bounded context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if IsNavigationTimeout(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && bounded.Err() != nil
}

// Errors browsers return when evaluating while a navigation replaces the
// document.
var contextDestroyedErrors = []string{ //nolint:gochecknoglobals
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
}

// IsExecutionContextDestroyed reports whether err is an evaluation that
// failed because a navigation replaced the document. Sessions report these
// as a pending document rather than an error.
func IsExecutionContextDestroyed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range contextDestroyedErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Package api holds the contracts between the navigation core and the
// browser backends.
package api

import (
	"context"
	"time"
)

// Session is the public interface of a single remotely controlled page.
//
// A Session is not safe for concurrent navigation; callers that navigate
// concurrently must each own their Session.
type Session interface {
	// Navigate instructs the page to load url and returns once the backend
	// considers the navigation committed. It returns an error wrapping
	// common.ErrNavigationTimeout when NavigationTimeout elapses first.
	Navigate(ctx context.Context, url string) (any, error)
	// Evaluate evaluates expression in the page and returns its value.
	Evaluate(ctx context.Context, expression string) (any, error)
	// NavigationTimeout is the per-navigation timeout the backend applies.
	NavigationTimeout() time.Duration
}

package pwext

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/grafana/cchrome/api"
	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
)

var _ api.Session = &Session{}

// waitUntilCommit returns from Goto as soon as the response is received and
// the document starts loading. Completion is confirmed by polling.
const waitUntilCommit = "commit"

// NavigationPayload is what a successful navigation returns.
type NavigationPayload struct {
	URL    string `json:"url" yaml:"url"`
	Status int    `json:"status" yaml:"status"`
}

var sessionIDs int64 //nolint:gochecknoglobals

// Session is a Playwright page.
type Session struct {
	id                string
	page              playwright.Page
	navigationTimeout time.Duration
	logger            *log.Logger
}

func newSession(page playwright.Page, navigationTimeout time.Duration, logger *log.Logger) *Session {
	return &Session{
		id:                fmt.Sprintf("playwright-page-%d", atomic.AddInt64(&sessionIDs, 1)),
		page:              page,
		navigationTimeout: navigationTimeout,
		logger:            logger,
	}
}

type gotoResult struct {
	payload *NavigationPayload
	err     error
}

// Navigate navigates the page to url and returns once the navigation is
// committed. A navigation taking longer than the navigation timeout returns
// an error wrapping common.ErrNavigationTimeout.
func (s *Session) Navigate(ctx context.Context, url string) (any, error) {
	timeout := s.navigationTimeout
	bounded := false
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout, bounded = time.Until(deadline), true
	}
	if timeout <= 0 {
		<-ctx.Done()
		return nil, fmt.Errorf("navigating to %q: %w", url, ctx.Err())
	}

	waitUntil := playwright.WaitUntilState(waitUntilCommit)
	opts := playwright.PageGotoOptions{
		Timeout:   playwright.Float(gotoTimeout(timeout)),
		WaitUntil: &waitUntil,
	}
	s.logger.Debugf("pwext:Navigate", "url:%q timeout:%s", url, timeout)

	// Goto can't be cancelled, it returns within the timeout at the latest.
	done := make(chan gotoResult, 1)
	go func() {
		resp, err := s.page.Goto(url, opts)
		r := gotoResult{err: err}
		if err == nil {
			r.payload = &NavigationPayload{URL: url}
			if resp != nil {
				r.payload.Status = resp.Status()
			}
		}
		done <- r
	}()

	select {
	case r := <-done:
		switch {
		case r.err == nil:
			return r.payload, nil
		case errors.Is(r.err, playwright.ErrTimeout) && bounded:
			// Playwright's clock may run ahead of ctx's by a fraction of a
			// millisecond, report the caller's deadline once it expires.
			<-ctx.Done()
			return nil, fmt.Errorf("navigating to %q: %w", url, ctx.Err())
		case errors.Is(r.err, playwright.ErrTimeout):
			return nil, fmt.Errorf("navigating to %q within %s: %w", url, timeout, common.ErrNavigationTimeout)
		default:
			return nil, fmt.Errorf("navigating to %q: %w", url, r.err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("navigating to %q: %w", url, ctx.Err())
	}
}

// gotoTimeout converts d to Playwright milliseconds, rounding up, since a
// zero timeout disables it.
func gotoTimeout(d time.Duration) float64 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		ms = 1
	}
	return float64(ms)
}

type evalResult struct {
	v   any
	err error
}

// Evaluate evaluates expression in the page. While a navigation replaces
// the document the result is nil.
func (s *Session) Evaluate(ctx context.Context, expression string) (any, error) {
	done := make(chan evalResult, 1)
	go func() {
		v, err := s.page.Evaluate(expression)
		done <- evalResult{v: v, err: err}
	}()

	select {
	case r := <-done:
		if common.IsExecutionContextDestroyed(r.err) {
			s.logger.Tracef("pwext:Evaluate", "pending document: %v", r.err)
			return nil, nil
		}
		if r.err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", expression, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("evaluating %q: %w", expression, ctx.Err())
	}
}

// NavigationTimeout returns the per-navigation timeout of the session.
func (s *Session) NavigationTimeout() time.Duration {
	return s.navigationTimeout
}

// TargetID returns an ID unique to the page within the process, as
// Playwright doesn't expose CDP target IDs.
func (s *Session) TargetID() string {
	return s.id
}

// Close closes the page.
func (s *Session) Close() error {
	if err := s.page.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

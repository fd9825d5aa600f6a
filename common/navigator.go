package common

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/cchrome/api"
	"github.com/grafana/cchrome/log"
	"github.com/grafana/cchrome/metrics"
	"github.com/grafana/cchrome/trace"
)

// AttemptOutcome is how a single navigation attempt ended.
type AttemptOutcome int

// Attempt outcomes.
const (
	// AttemptNavigationTimedOut is a transient failure, the attempt is retried.
	AttemptNavigationTimedOut AttemptOutcome = iota + 1
	// AttemptUnconfirmed navigated but the document didn't complete in time.
	AttemptUnconfirmed
	// AttemptConfirmed navigated and the document completed.
	AttemptConfirmed
	// AttemptFailed ended with a fatal error.
	AttemptFailed
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptNavigationTimedOut:
		return "navigation_timed_out"
	case AttemptUnconfirmed:
		return "unconfirmed"
	case AttemptConfirmed:
		return "confirmed"
	case AttemptFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NavigationResult is the result of a complete navigation.
type NavigationResult struct {
	// Payload is what the session returned for the confirmed attempt.
	Payload  any
	URL      string
	Attempts int
	Polls    int
	Elapsed  time.Duration
	Budget   Budget
}

// targetIdentifier is implemented by sessions that can name their page.
type targetIdentifier interface {
	TargetID() string
}

// Navigator navigates a session and waits for the document to be complete,
// retrying the navigation until it is or the overall budget runs out.
//
// A Navigator drives a single session and must not be used concurrently.
type Navigator struct {
	session  api.Session
	opts     NavigationOptions
	targetID string

	logger  *log.Logger
	tracer  *trace.Tracer
	metrics *metrics.Navigation
	clock   clock
}

// NavigatorOption configures a Navigator.
type NavigatorOption func(*Navigator)

// WithTracer traces navigations and their attempts with t.
func WithTracer(t *trace.Tracer) NavigatorOption {
	return func(n *Navigator) { n.tracer = t }
}

// WithMetrics records navigations in m.
func WithMetrics(m *metrics.Navigation) NavigatorOption {
	return func(n *Navigator) { n.metrics = m }
}

func withClock(c clock) NavigatorOption {
	return func(n *Navigator) { n.clock = c }
}

// NewNavigator returns a Navigator for session. A nil opts uses the
// defaults, a nil logger discards logs.
func NewNavigator(session api.Session, opts *NavigationOptions, logger *log.Logger, options ...NavigatorOption) *Navigator {
	if opts == nil {
		opts = NewNavigationOptions()
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	n := &Navigator{
		session:  session,
		opts:     *opts,
		targetID: "session",
		logger:   logger,
		clock:    wallClock{},
	}
	if ti, ok := session.(targetIdentifier); ok {
		n.targetID = ti.TargetID()
	}
	for _, o := range options {
		o(n)
	}
	if n.tracer == nil {
		n.tracer = trace.NewNoopTracer()
	}

	return n
}

// CompleteNavigation navigates session to url with opts and returns the
// navigation payload once the document is complete.
func CompleteNavigation(ctx context.Context, session api.Session, url string, opts *NavigationOptions) (any, error) {
	res, err := NewNavigator(session, opts, nil).Navigate(ctx, url)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Navigate navigates to url until an attempt is confirmed complete.
//
// It returns a *ConfigurationError before navigating if the options can't
// work with the session's navigation timeout, a *CompletionTimeoutError if
// the overall budget runs out, and any other session error as soon as it
// happens.
func (n *Navigator) Navigate(ctx context.Context, url string) (_ *NavigationResult, err error) {
	if err := n.opts.Validate(); err != nil {
		return nil, err
	}
	budget, err := NewBudget(n.session.NavigationTimeout(), n.opts.Multiplier, n.opts.ConfirmTimeout)
	if err != nil {
		return nil, err
	}

	ctx, span := n.tracer.TraceNavigation(ctx, n.targetID, oteltrace.WithAttributes(
		attribute.String("navigation.url", url),
		attribute.String("navigation.budget", budget.Overall.String()),
	))
	defer n.tracer.EndNavigation(n.targetID)

	var (
		start    = n.clock.Now()
		deadline = start.Add(budget.Overall)
		res      = &NavigationResult{URL: url, Budget: budget}
		lastErr  error
	)
	defer func() {
		res.Elapsed = n.clock.Now().Sub(start)
		span.SetAttributes(attribute.Int("navigation.attempts", res.Attempts))
		result := "succeeded"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		n.metrics.ObserveNavigation(result, res.Elapsed)
	}()

	n.logger.Debugf("Navigator:Navigate", "url:%q budget:%s confirmTimeout:%s", url, budget.Overall, budget.ConfirmTimeout)

	for {
		attemptStart := n.clock.Now()
		if !attemptStart.Before(deadline) {
			n.logger.Warnf("Navigator:Navigate", "url:%q not complete after %d attempts in %s", url, res.Attempts, budget.Overall)
			return res, &CompletionTimeoutError{URL: url, Budget: budget.Overall, Attempts: res.Attempts, LastErr: lastErr}
		}

		res.Attempts++
		outcome, payload, polls, err := n.attempt(ctx, url, res.Attempts, budget, deadline)
		res.Polls += polls
		n.metrics.ObservePolls(polls)
		n.metrics.ObserveAttempt(outcome.String())
		n.logger.Debugf("Navigator:Navigate", "url:%q attempt:%d outcome:%s polls:%d", url, res.Attempts, outcome, polls)

		switch outcome {
		case AttemptConfirmed:
			res.Payload = payload
			return res, nil
		case AttemptFailed:
			return res, err
		case AttemptNavigationTimedOut:
			lastErr = err
		case AttemptUnconfirmed:
		}

		if err := n.space(ctx, attemptStart, deadline); err != nil {
			return res, err
		}
	}
}

// attempt navigates once and confirms the document readiness.
func (n *Navigator) attempt(
	ctx context.Context, url string, num int, budget Budget, deadline time.Time,
) (_ AttemptOutcome, _ any, polls int, err error) {
	actx, span := n.tracer.TraceAPICall(ctx, n.targetID, "navigation.attempt",
		oteltrace.WithAttributes(attribute.Int("navigation.attempt", num)))
	defer span.End()

	navCtx, cancel := context.WithTimeout(actx, deadline.Sub(n.clock.Now()))
	payload, err := n.session.Navigate(navCtx, url)
	transient := err != nil && isTransient(ctx, navCtx, err)
	cancel()

	switch {
	case transient:
		span.AddEvent("navigation timed out")
		return AttemptNavigationTimedOut, nil, 0, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AttemptFailed, nil, 0, fmt.Errorf("navigating to %q: %w", url, err)
	}

	c := confirmer{
		session:  n.session,
		clock:    n.clock,
		interval: n.opts.PollInterval,
		logger:   n.logger,
	}
	confirmDeadline := n.clock.Now().Add(budget.ConfirmTimeout)
	if deadline.Before(confirmDeadline) {
		confirmDeadline = deadline
	}
	complete, polls, err := c.confirm(actx, confirmDeadline, deadline)
	span.SetAttributes(attribute.Int("navigation.polls", polls))

	switch {
	case err != nil && IsNavigationTimeout(err):
		span.AddEvent("readiness poll timed out")
		return AttemptNavigationTimedOut, nil, polls, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AttemptFailed, nil, polls, fmt.Errorf("confirming %q is complete: %w", url, err)
	case !complete:
		span.AddEvent("document not complete")
		return AttemptUnconfirmed, nil, polls, nil
	}

	return AttemptConfirmed, payload, polls, nil
}

// space waits out the rest of MinAttemptSpacing since attemptStart, never
// past deadline.
func (n *Navigator) space(ctx context.Context, attemptStart, deadline time.Time) error {
	now := n.clock.Now()
	wait := minDuration(n.opts.MinAttemptSpacing-now.Sub(attemptStart), deadline.Sub(now))
	if wait <= 0 {
		return nil
	}
	if err := n.clock.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("waiting to retry navigation: %w", err)
	}
	return nil
}

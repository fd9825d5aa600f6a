package common

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/cchrome/api"
	"github.com/grafana/cchrome/log"
)

// ReadyStateExpression evaluates to the document readiness signal.
const ReadyStateExpression = "document.readyState"

// ReadyState is the value of document.readyState.
type ReadyState string

// Document ready states.
const (
	ReadyStateLoading     ReadyState = "loading"
	ReadyStateInteractive ReadyState = "interactive"
	ReadyStateComplete    ReadyState = "complete"
)

// confirmer polls the readiness signal of a session that has just navigated.
type confirmer struct {
	session  api.Session
	clock    clock
	interval time.Duration
	logger   *log.Logger
}

// confirm polls until the document is complete or deadline passes. Each
// evaluation is bounded by hardDeadline, the end of the overall budget.
// Running out of time isn't an error, it returns false. Evaluation errors
// are returned as is for the caller to classify.
func (c *confirmer) confirm(ctx context.Context, deadline, hardDeadline time.Time) (complete bool, polls int, err error) {
	for {
		state, err := c.poll(ctx, hardDeadline)
		polls++
		if err != nil {
			return false, polls, err
		}
		c.logger.Tracef("confirmer:confirm", "poll:%d readyState:%q", polls, state)
		if state == ReadyStateComplete {
			return true, polls, nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			c.logger.Debugf("confirmer:confirm", "gave up after %d polls, last readyState:%q", polls, state)
			return false, polls, nil
		}
		if err := c.clock.Sleep(ctx, minDuration(c.interval, remaining)); err != nil {
			return false, polls, fmt.Errorf("waiting for the next readiness poll: %w", err)
		}
	}
}

func (c *confirmer) poll(ctx context.Context, hardDeadline time.Time) (ReadyState, error) {
	pctx, cancel := context.WithTimeout(ctx, hardDeadline.Sub(c.clock.Now()))
	defer cancel()

	v, err := c.session.Evaluate(pctx, ReadyStateExpression)
	if err != nil {
		if isTransient(ctx, pctx, err) {
			// the overall budget ran out mid evaluation.
			return "", ErrNavigationTimeout
		}
		return "", fmt.Errorf("evaluating %s: %w", ReadyStateExpression, err)
	}

	switch s := v.(type) {
	case string:
		return ReadyState(s), nil
	case ReadyState:
		return s, nil
	default:
		// anything else means the document isn't there yet.
		return "", nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

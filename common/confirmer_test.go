package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cchrome/log"
)

func TestConfirmer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		states       []any
		timeout      time.Duration
		wantComplete bool
		wantPolls    int
	}{
		{
			name:         "complete_at_once",
			states:       []any{"complete"},
			timeout:      5 * time.Second,
			wantComplete: true,
			wantPolls:    1,
		},
		{
			name:         "loading_interactive_complete",
			states:       []any{"loading", "interactive", ReadyStateComplete},
			timeout:      5 * time.Second,
			wantComplete: true,
			wantPolls:    3,
		},
		{
			// 1ms per poll plus a 100ms interval, the poll after the
			// deadline is the last one.
			name:      "pending",
			states:    []any{"loading"},
			timeout:   time.Second,
			wantPolls: 11,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := newFakeClock()
			s := newFakeSession(clk)
			s.evaluate = func(call int) (any, error) {
				if call > len(tt.states) {
					return tt.states[len(tt.states)-1], nil
				}
				return tt.states[call-1], nil
			}
			c := confirmer{session: s, clock: clk, interval: 100 * time.Millisecond, logger: log.NewNullLogger()}

			deadline := clk.Now().Add(tt.timeout)
			complete, polls, err := c.confirm(context.Background(), deadline, deadline.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, tt.wantComplete, complete)
			assert.Equal(t, tt.wantPolls, polls)
			if !tt.wantComplete {
				assert.LessOrEqual(t, clk.Elapsed(), tt.timeout+evalRoundTrip)
			}
		})
	}
}

func TestCompleteNavigationReturnsPayload(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.navTimeout = 10 * time.Second

	opts := NewNavigationOptions()
	opts.Multiplier = 2
	opts.ConfirmTimeout = 5 * time.Second

	payload, err := CompleteNavigation(context.Background(), s, "https://example.com", opts)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", payload)
}

func TestCompletionTimeoutErrorIsNotRetryable(t *testing.T) {
	t.Parallel()

	lastErr := fmt.Errorf("navigating: %w", ErrNavigationTimeout)
	err := fmt.Errorf("cchrome: %w", &CompletionTimeoutError{
		URL: "https://example.com", Budget: time.Minute, Attempts: 3, LastErr: lastErr,
	})
	assert.False(t, IsNavigationTimeout(err))
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualError(t, err, "cchrome: https://example.com has failed to load completely within 1m0s (3 attempts)")

	var completionErr *CompletionTimeoutError
	require.ErrorAs(t, err, &completionErr)
	assert.ErrorIs(t, completionErr.LastErr, ErrNavigationTimeout)
}

func TestIsExecutionContextDestroyed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("executing Runtime.evaluate: Cannot find context with specified id (-32000)"), want: true},
		{err: fmt.Errorf("evaluating: %w", errors.New("Execution context was destroyed, most likely because of a navigation")), want: true},
		{err: errors.New("ReferenceError: foo is not defined"), want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExecutionContextDestroyed(tt.err), "%v", tt.err)
	}
}

package pwext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
)

// fakePage implements the few playwright.Page methods a Session calls.
type fakePage struct {
	playwright.Page

	mu       sync.Mutex
	gotoOpts []playwright.PageGotoOptions
	gotoFn   func(url string, timeout time.Duration) error
	evalFn   func(expression string) (any, error)
}

func (p *fakePage) Goto(url string, opts ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.mu.Lock()
	p.gotoOpts = append(p.gotoOpts, opts...)
	p.mu.Unlock()
	timeout := time.Duration(*opts[0].Timeout) * time.Millisecond
	return nil, p.gotoFn(url, timeout)
}

func (p *fakePage) Evaluate(expression string, _ ...any) (any, error) {
	return p.evalFn(expression)
}

func timeoutAfter(url string, timeout time.Duration) error {
	return fmt.Errorf("%w: page.goto: Timeout %dms exceeded navigating to %q", playwright.ErrTimeout, timeout.Milliseconds(), url)
}

func TestSessionNavigate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		ctxTimeout  time.Duration
		gotoFn      func(url string, timeout time.Duration) error
		wantTimeout time.Duration
		assertErr   func(t *testing.T, err error)
	}{
		{
			name:        "committed",
			gotoFn:      func(string, time.Duration) error { return nil },
			wantTimeout: 20 * time.Second,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				require.NoError(t, err)
			},
		},
		{
			name:        "navigation_timeout",
			gotoFn:      timeoutAfter,
			wantTimeout: 20 * time.Second,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, common.IsNavigationTimeout(err))
			},
		},
		{
			name:       "bounded_by_caller",
			ctxTimeout: 200 * time.Millisecond,
			gotoFn: func(url string, timeout time.Duration) error {
				time.Sleep(timeout)
				return timeoutAfter(url, timeout)
			},
			wantTimeout: 200 * time.Millisecond,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				assert.False(t, common.IsNavigationTimeout(err))
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			},
		},
		{
			name: "fatal",
			gotoFn: func(string, time.Duration) error {
				return errors.New("net::ERR_NAME_NOT_RESOLVED")
			},
			wantTimeout: 20 * time.Second,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				require.Error(t, err)
				assert.False(t, common.IsNavigationTimeout(err))
				assert.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			page := &fakePage{gotoFn: tt.gotoFn}
			s := newSession(page, 20*time.Second, log.NewNullLogger())

			ctx := context.Background()
			if tt.ctxTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.ctxTimeout)
				defer cancel()
			}

			payload, err := s.Navigate(ctx, "http://example.com/")
			tt.assertErr(t, err)
			if err == nil {
				assert.Equal(t, &NavigationPayload{URL: "http://example.com/"}, payload)
			}

			page.mu.Lock()
			defer page.mu.Unlock()
			require.Len(t, page.gotoOpts, 1)
			assert.Equal(t, playwright.WaitUntilState("commit"), *page.gotoOpts[0].WaitUntil)
			assert.InDelta(t, float64(tt.wantTimeout.Milliseconds()), *page.gotoOpts[0].Timeout, 100)
		})
	}
}

func TestGotoTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want float64
	}{
		{d: 20 * time.Second, want: 20000},
		{d: 999*time.Millisecond + 500*time.Microsecond, want: 1000},
		{d: 300 * time.Microsecond, want: 1},
		{d: time.Nanosecond, want: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gotoTimeout(tt.d), tt.d.String())
	}
}

func TestSessionCompleteNavigationExhaustsBudget(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("waits for the whole navigation budget")
	}

	// every navigation times out, the last one is cut short by the budget.
	page := &fakePage{gotoFn: func(url string, timeout time.Duration) error {
		time.Sleep(timeout)
		return timeoutAfter(url, timeout)
	}}
	s := newSession(page, 300*time.Millisecond, log.NewNullLogger())

	opts := common.NewNavigationOptions()
	opts.Multiplier = 18
	opts.ConfirmTimeout = 5 * time.Second
	opts.MinAttemptSpacing = 0

	_, err := common.CompleteNavigation(context.Background(), s, "http://example.com/", opts)

	var completionErr *common.CompletionTimeoutError
	require.ErrorAs(t, err, &completionErr)
	assert.Greater(t, completionErr.Attempts, 1)
	assert.Equal(t, 5400*time.Millisecond, completionErr.Budget)
}

func TestSessionNavigateCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	page := &fakePage{gotoFn: func(string, time.Duration) error {
		<-release
		return nil
	}}
	s := newSession(page, 20*time.Second, log.NewNullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Navigate(ctx, "http://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionEvaluate(t *testing.T) {
	t.Parallel()

	states := []any{nil, "loading", "complete"}
	calls := 0
	page := &fakePage{evalFn: func(expression string) (any, error) {
		assert.Equal(t, common.ReadyStateExpression, expression)
		defer func() { calls++ }()
		if calls == 0 {
			return nil, errors.New("Execution context was destroyed, most likely because of a navigation")
		}
		return states[calls], nil
	}}
	s := newSession(page, 20*time.Second, log.NewNullLogger())

	for _, want := range states {
		v, err := s.Evaluate(context.Background(), common.ReadyStateExpression)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}

	page.evalFn = func(string) (any, error) { return nil, errors.New("ReferenceError: x is not defined") }
	_, err := s.Evaluate(context.Background(), "x")
	assert.ErrorContains(t, err, "ReferenceError")
}

func TestSessionIDs(t *testing.T) {
	t.Parallel()

	a := newSession(&fakePage{}, time.Second, log.NewNullLogger())
	b := newSession(&fakePage{}, time.Second, log.NewNullLogger())
	assert.NotEqual(t, a.TargetID(), b.TargetID())
	assert.Equal(t, time.Second, a.NavigationTimeout())
}

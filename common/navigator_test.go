package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/cchrome/metrics"
	"github.com/grafana/cchrome/trace"
)

const evalRoundTrip = time.Millisecond

type fakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func newFakeClock() *fakeClock {
	t0 := time.Date(2021, 11, 11, 9, 0, 0, 0, time.UTC)
	return &fakeClock{start: t0, now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Elapsed() time.Duration {
	return c.Now().Sub(c.start)
}

// fakeSession scripts navigate and evaluate results. Both advance the fake
// clock to simulate the time spent in the browser.
type fakeSession struct {
	clock      *fakeClock
	navTimeout time.Duration

	navigate func(call int) (time.Duration, any, error)
	evaluate func(call int) (any, error)

	navCalls  int
	evalCalls int
	navTimes  []time.Duration
}

func newFakeSession(c *fakeClock) *fakeSession {
	return &fakeSession{
		clock:      c,
		navTimeout: 20 * time.Second,
		navigate: func(call int) (time.Duration, any, error) {
			return time.Second, fmt.Sprintf("doc-%d", call), nil
		},
		evaluate: func(int) (any, error) { return "complete", nil },
	}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) (any, error) {
	s.navCalls++
	s.navTimes = append(s.navTimes, s.clock.Elapsed())
	d, payload, err := s.navigate(s.navCalls)
	if d > s.navTimeout {
		d = s.navTimeout
	}
	// ctx carries the rest of the overall budget as a real deadline.
	if dl, ok := ctx.Deadline(); ok {
		if r := time.Until(dl); r < d {
			if r < 0 {
				r = 0
			}
			s.clock.Advance(r)
			return nil, fmt.Errorf("navigating to %q: %w", url, ErrNavigationTimeout)
		}
	}
	s.clock.Advance(d)
	return payload, err
}

func (s *fakeSession) Evaluate(_ context.Context, expression string) (any, error) {
	s.evalCalls++
	if expression != ReadyStateExpression {
		return nil, fmt.Errorf("unexpected expression %q", expression)
	}
	s.clock.Advance(evalRoundTrip)
	return s.evaluate(s.evalCalls)
}

func (s *fakeSession) NavigationTimeout() time.Duration { return s.navTimeout }

func (s *fakeSession) TargetID() string { return "fake-target" }

func timeoutThen(n int) func(call int) (time.Duration, any, error) {
	return func(call int) (time.Duration, any, error) {
		if call <= n {
			return 20 * time.Second, nil, fmt.Errorf("page load: %w", ErrNavigationTimeout)
		}
		return time.Second, fmt.Sprintf("doc-%d", call), nil
	}
}

func newTestNavigator(s *fakeSession, opts *NavigationOptions, options ...NavigatorOption) *Navigator {
	options = append(options, withClock(s.clock))
	return NewNavigator(s, opts, nil, options...)
}

func TestNewBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		navTimeout time.Duration
		multiplier float64
		confirm    time.Duration
		wantField  string
		wantBudget time.Duration
	}{
		{name: "defaults", navTimeout: 20 * time.Second, multiplier: 4, confirm: 10 * time.Second, wantBudget: 80 * time.Second},
		{name: "exact_fit", navTimeout: 10 * time.Second, multiplier: 2, confirm: 10 * time.Second, wantBudget: 20 * time.Second},
		{name: "fractional", navTimeout: 10 * time.Second, multiplier: 1.5, confirm: 5 * time.Second, wantBudget: 15 * time.Second},
		{name: "confirm_too_short", navTimeout: 20 * time.Second, multiplier: 4, confirm: 4 * time.Second, wantField: "confirmTimeout"},
		{name: "multiplier_too_small", navTimeout: 5 * time.Second, multiplier: 1.5, confirm: 10 * time.Second, wantField: "multiplier"},
		{name: "multiplier_one", navTimeout: time.Minute, multiplier: 1, confirm: 10 * time.Second, wantField: "multiplier"},
		{name: "multiplier_nan", navTimeout: time.Minute, multiplier: nan(), confirm: 10 * time.Second, wantField: "multiplier"},
		{name: "no_navigation_timeout", navTimeout: 0, multiplier: 4, confirm: 10 * time.Second, wantField: "navigationTimeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := NewBudget(tt.navTimeout, tt.multiplier, tt.confirm)
			if tt.wantField != "" {
				var cerr *ConfigurationError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, tt.wantField, cerr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBudget, b.Overall)
			assert.Equal(t, tt.navTimeout, b.NavigationTimeout)
			assert.Equal(t, tt.confirm, b.ConfirmTimeout)
		})
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestNavigationOptionsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewNavigationOptions().Validate())

	opts := NewNavigationOptions()
	opts.PollInterval = 0
	var cerr *ConfigurationError
	require.ErrorAs(t, opts.Validate(), &cerr)
	assert.Equal(t, "pollInterval", cerr.Field)

	opts = NewNavigationOptions()
	opts.MinAttemptSpacing = -time.Second
	require.ErrorAs(t, opts.Validate(), &cerr)
	assert.Equal(t, "minAttemptSpacing", cerr.Field)
}

func TestNavigatorConfigurationErrorBeforeNavigating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		navTimeout time.Duration
		opts       func(*NavigationOptions)
	}{
		{
			name:       "confirm_timeout_4s",
			navTimeout: 20 * time.Second,
			opts:       func(o *NavigationOptions) { o.ConfirmTimeout = 4 * time.Second },
		},
		{
			name:       "multiplier_too_small",
			navTimeout: 5 * time.Second,
			opts:       func(o *NavigationOptions) { o.Multiplier = 1.5 },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newFakeSession(newFakeClock())
			s.navTimeout = tt.navTimeout
			opts := NewNavigationOptions()
			tt.opts(opts)

			_, err := CompleteNavigation(context.Background(), s, "https://example.com", opts)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Zero(t, s.navCalls)
			assert.Zero(t, s.evalCalls)
		})
	}
}

func TestNavigatorWaitsForCompleteReadyState(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.evaluate = func(call int) (any, error) {
		if call <= 2 {
			return "loading", nil
		}
		return "complete", nil
	}

	res, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.Payload)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, 1, s.navCalls)
	assert.Equal(t, 80*time.Second, res.Budget.Overall)
	// 1s navigation, 3 polls and 2 poll intervals.
	assert.Equal(t, time.Second+3*evalRoundTrip+2*DefaultPollInterval, res.Elapsed)
}

func TestNavigatorRetriesNavigationTimeouts(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.navigate = timeoutThen(2)

	res, err := NewNavigator(s, nil, nil, withClock(s.clock)).Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "doc-3", res.Payload)
	assert.Equal(t, 3, s.navCalls)
	// readiness is only polled after a navigation returned.
	assert.Equal(t, 1, s.evalCalls)
}

func TestNavigatorOnlyNavigationTimeouts(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.navigate = timeoutThen(1000)

	_, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")

	var terr *CompletionTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.GreaterOrEqual(t, terr.Attempts, 4)
	assert.True(t, IsNavigationTimeout(terr.LastErr))
	assert.False(t, IsNavigationTimeout(err))
}

func TestNavigatorRenavigatesUnconfirmedAttempts(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	// the first attempt never completes, the second does immediately.
	s.evaluate = func(int) (any, error) {
		if s.navCalls == 1 {
			return "interactive", nil
		}
		return "complete", nil
	}

	res, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "doc-2", res.Payload)
	// the second navigation starts once the first attempt's confirm
	// timeout ran out.
	require.Len(t, s.navTimes, 2)
	assert.GreaterOrEqual(t, s.navTimes[1], time.Second+DefaultConfirmTimeout)
}

func TestNavigatorCompletionTimeout(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.evaluate = func(int) (any, error) { return "loading", nil }

	res, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com/slow")

	var terr *CompletionTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "https://example.com/slow", terr.URL)
	assert.Equal(t, 80*time.Second, terr.Budget)
	assert.Equal(t, res.Attempts, terr.Attempts)
	assert.Contains(t, err.Error(), "https://example.com/slow has failed to load completely")
	assert.Greater(t, terr.Attempts, 1)

	assert.LessOrEqual(t, s.clock.Elapsed(), terr.Budget+evalRoundTrip)
	assert.GreaterOrEqual(t, s.clock.Elapsed(), terr.Budget)
}

func TestNavigatorNeverBlocksPastBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		navigate func(call int) (time.Duration, any, error)
		evaluate func(call int) (any, error)
	}{
		{
			name:     "always_times_out",
			navigate: timeoutThen(1 << 20),
		},
		{
			name:     "slow_navigation_never_complete",
			navigate: func(int) (time.Duration, any, error) { return 15 * time.Second, "doc", nil },
			evaluate: func(int) (any, error) { return "interactive", nil },
		},
		{
			name:     "not_a_string",
			evaluate: func(int) (any, error) { return nil, nil },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newFakeSession(newFakeClock())
			if tt.navigate != nil {
				s.navigate = tt.navigate
			}
			if tt.evaluate != nil {
				s.evaluate = tt.evaluate
			}

			_, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
			var terr *CompletionTimeoutError
			require.ErrorAs(t, err, &terr)
			assert.LessOrEqual(t, s.clock.Elapsed(), 80*time.Second+evalRoundTrip)
		})
	}
}

func TestNavigatorFatalNavigationError(t *testing.T) {
	t.Parallel()

	errCrashed := errors.New("target crashed")
	s := newFakeSession(newFakeClock())
	s.navigate = func(call int) (time.Duration, any, error) {
		if call == 1 {
			return 20 * time.Second, nil, ErrNavigationTimeout
		}
		return 0, nil, errCrashed
	}

	res, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
	require.ErrorIs(t, err, errCrashed)
	assert.False(t, IsNavigationTimeout(err))
	assert.Equal(t, 2, s.navCalls)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, s.evalCalls)
}

func TestNavigatorFatalEvaluationError(t *testing.T) {
	t.Parallel()

	errDetached := errors.New("session detached")
	s := newFakeSession(newFakeClock())
	s.evaluate = func(call int) (any, error) {
		if call == 1 {
			return "loading", nil
		}
		return nil, errDetached
	}

	_, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
	require.ErrorIs(t, err, errDetached)
	assert.Equal(t, 1, s.navCalls)
	assert.Equal(t, 2, s.evalCalls)
}

func TestNavigatorTransientEvaluationError(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	s.evaluate = func(call int) (any, error) {
		if call == 1 {
			return nil, fmt.Errorf("evaluate: %w", ErrNavigationTimeout)
		}
		return "complete", nil
	}

	res, err := newTestNavigator(s, nil).Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestNavigatorCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := newFakeSession(newFakeClock())
	s.navigate = func(int) (time.Duration, any, error) {
		cancel()
		return time.Second, nil, context.Canceled
	}

	_, err := newTestNavigator(s, nil).Navigate(ctx, "https://example.com")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.navCalls)
}

func TestNavigatorMinAttemptSpacing(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newFakeClock())
	// navigation timeouts that fail fast.
	s.navigate = func(call int) (time.Duration, any, error) {
		if call <= 3 {
			return time.Millisecond, nil, ErrNavigationTimeout
		}
		return time.Millisecond, "doc", nil
	}

	opts := NewNavigationOptions()
	opts.MinAttemptSpacing = 2 * time.Second

	res, err := newTestNavigator(s, opts).Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	require.Len(t, s.navTimes, 4)
	for i := 1; i < len(s.navTimes); i++ {
		assert.Equal(t, 2*time.Second, s.navTimes[i]-s.navTimes[i-1])
	}
}

func TestNavigatorTracesAndMeasures(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	reg := prometheus.NewRegistry()
	m := metrics.NewNavigation(reg)

	s := newFakeSession(newFakeClock())
	s.navigate = timeoutThen(1)

	n := newTestNavigator(s, nil,
		WithTracer(trace.NewTracer(logger, tp, nil)),
		WithMetrics(m),
	)
	_, err := n.Navigate(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues(AttemptNavigationTimedOut.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues(AttemptConfirmed.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadinessPolls))

	ended := sr.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "navigation.attempt", ended[0].Name())
	assert.Equal(t, "navigation.attempt", ended[1].Name())
	assert.Equal(t, "navigation", ended[2].Name())
	assert.Equal(t, ended[2].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

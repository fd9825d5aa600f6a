package common

import (
	"fmt"
	"time"
)

// Default navigation options.
const (
	DefaultMultiplier        = 4.0
	DefaultConfirmTimeout    = 10 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultMinAttemptSpacing = 500 * time.Millisecond
)

// NavigationOptions configures a complete navigation.
type NavigationOptions struct {
	// Multiplier scales the session's navigation timeout into the overall budget.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// ConfirmTimeout bounds the readiness polling of each attempt.
	ConfirmTimeout time.Duration `json:"confirmTimeout" yaml:"confirmTimeout"`
	// PollInterval is the pause between readiness evaluations.
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
	// MinAttemptSpacing is the minimum time between the starts of two
	// attempts. Attempts that take longer than this aren't delayed.
	MinAttemptSpacing time.Duration `json:"minAttemptSpacing" yaml:"minAttemptSpacing"`
}

// NewNavigationOptions returns the default navigation options.
func NewNavigationOptions() *NavigationOptions {
	return &NavigationOptions{
		Multiplier:        DefaultMultiplier,
		ConfirmTimeout:    DefaultConfirmTimeout,
		PollInterval:      DefaultPollInterval,
		MinAttemptSpacing: DefaultMinAttemptSpacing,
	}
}

// Validate validates the options that don't depend on the session.
// The budget invariants are checked by NewBudget.
func (o *NavigationOptions) Validate() error {
	if o.PollInterval <= 0 {
		return &ConfigurationError{
			Field:  "pollInterval",
			Reason: fmt.Sprintf("%s must be positive", o.PollInterval),
		}
	}
	if o.PollInterval >= o.ConfirmTimeout {
		return &ConfigurationError{
			Field:  "pollInterval",
			Reason: fmt.Sprintf("%s must be shorter than the confirm timeout %s", o.PollInterval, o.ConfirmTimeout),
		}
	}
	if o.MinAttemptSpacing < 0 {
		return &ConfigurationError{
			Field:  "minAttemptSpacing",
			Reason: fmt.Sprintf("%s must not be negative", o.MinAttemptSpacing),
		}
	}

	return nil
}

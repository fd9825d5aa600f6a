package common

import (
	"fmt"
	"math"
	"time"
)

// MinConfirmTimeout is the smallest readiness confirmation timeout accepted.
const MinConfirmTimeout = 5 * time.Second

// Budget is the timing of one complete navigation call.
type Budget struct {
	// NavigationTimeout is the session's per-navigation timeout.
	NavigationTimeout time.Duration
	// ConfirmTimeout bounds the readiness polling of one attempt.
	ConfirmTimeout time.Duration
	// Overall bounds all attempts: NavigationTimeout × multiplier.
	Overall time.Duration
}

// NewBudget derives the overall budget from the per-navigation timeout and
// multiplier. It fails if a single navigation followed by a full readiness
// confirmation can't fit in the overall budget.
func NewBudget(navigationTimeout time.Duration, multiplier float64, confirmTimeout time.Duration) (Budget, error) {
	if confirmTimeout < MinConfirmTimeout {
		return Budget{}, &ConfigurationError{
			Field:  "confirmTimeout",
			Reason: fmt.Sprintf("%s is less than the minimum of %s", confirmTimeout, MinConfirmTimeout),
		}
	}
	if navigationTimeout <= 0 {
		return Budget{}, &ConfigurationError{
			Field:  "navigationTimeout",
			Reason: fmt.Sprintf("%s must be positive", navigationTimeout),
		}
	}
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) || multiplier <= 0 {
		return Budget{}, &ConfigurationError{
			Field:  "multiplier",
			Reason: fmt.Sprintf("%v must be a positive number", multiplier),
		}
	}

	// precondition: navigationTimeout × (multiplier - 1) >= confirmTimeout
	if headroom := float64(navigationTimeout) * (multiplier - 1); headroom < float64(confirmTimeout) {
		return Budget{}, &ConfigurationError{
			Field: "multiplier",
			Reason: fmt.Sprintf(
				"%s × (%v - 1) = %s leaves no room for a %s readiness confirmation",
				navigationTimeout, multiplier, time.Duration(headroom), confirmTimeout,
			),
		}
	}

	return Budget{
		NavigationTimeout: navigationTimeout,
		ConfirmTimeout:    confirmTimeout,
		Overall:           time.Duration(float64(navigationTimeout) * multiplier),
	}, nil
}

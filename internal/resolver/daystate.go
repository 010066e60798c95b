// Package resolver computes the effective day-state for any calendar date.
// A date's state follows from the most recent fixed anchor: take the anchored
// rotation index and walk forward a day at a time, advancing the index past
// every day whose operative rule set says the rotation moves on. Walks are
// memoized in the store so nearby queries do not repeat them.
package resolver

import (
	"errors"
	"time"
)

// ErrEmptySequence is returned when an organization has no day-state
// sequence configured.
var ErrEmptySequence = errors.New("resolver: day-state sequence is empty")

// CurrentState returns the rotation member in effect a number of periods
// after a fixed index: states[(fixedIndex + periods) mod len(states)]. It is
// pure and periodic in len(states).
func CurrentState(states []int64, fixedIndex int, periods int) (int64, error) {
	if len(states) == 0 {
		return 0, ErrEmptySequence
	}
	idx := (fixedIndex + periods) % len(states)
	if idx < 0 {
		idx += len(states)
	}
	return states[idx], nil
}

// NumPeriods returns how many periods separate two instants, fractionally.
// Used to estimate walk distance before the exact day-by-day resolution.
func NumPeriods(period time.Duration, lastFixed, target time.Time) float64 {
	return float64(target.Sub(lastFixed)) / float64(period)
}

package resolver

import (
	"errors"
	"testing"
	"time"
)

func TestCurrentState(t *testing.T) {
	states := []int64{1, 2, 3}
	tests := []struct {
		name    string
		fixed   int
		periods int
		want    int64
	}{
		{"at fix", 0, 0, 1},
		{"one period", 0, 1, 2},
		{"wraps", 0, 3, 1},
		{"wraps twice", 1, 7, 3},
		{"negative periods", 0, -1, 3},
		{"nonzero fix", 2, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CurrentState(states, tt.fixed, tt.periods)
			if err != nil {
				t.Fatalf("CurrentState: %v", err)
			}
			if got != tt.want {
				t.Errorf("CurrentState(%d, %d) = %d, want %d", tt.fixed, tt.periods, got, tt.want)
			}
		})
	}
}

func TestCurrentStateEmpty(t *testing.T) {
	if _, err := CurrentState(nil, 0, 0); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("CurrentState(nil) error = %v, want ErrEmptySequence", err)
	}
}

func TestNumPeriods(t *testing.T) {
	day := 24 * time.Hour
	last := time.Date(2017, 3, 13, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		target time.Time
		want   float64
	}{
		{"same instant", last, 0},
		{"one day", last.Add(day), 1},
		{"day and a half", last.Add(36 * time.Hour), 1.5},
		{"before", last.Add(-12 * time.Hour), -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NumPeriods(day, last, tt.target); got != tt.want {
				t.Errorf("NumPeriods = %v, want %v", got, tt.want)
			}
		})
	}
}

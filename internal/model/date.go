// Package model defines the core data types shared by the live scheduling
// components: calendar dates, day-state anchors, queue participants, and
// configuration.
package model

import (
	"fmt"
	"time"
)

const DateFmt = "2006-01-02"

const SecondsPerDay = 24 * 60 * 60

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFmt, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a time as YYYY-MM-DD, discarding any time-of-day part.
func FormatDate(t time.Time) string {
	return t.Format(DateFmt)
}

// Midnight truncates a time to UTC midnight of the same calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayTimestamp returns the Unix timestamp of a date's UTC midnight. This is
// the score used for single-use rule buckets and the resolver cache.
func DayTimestamp(t time.Time) int64 {
	return Midnight(t).Unix()
}

// SameDay reports whether two times fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

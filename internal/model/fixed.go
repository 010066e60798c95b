package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FixedDaystate is an authoritative override: on Date the rotation index is
// pinned to the position of StateID in the org's day-state sequence. Anchors
// are appended to an org-scoped log, most recent first, and never deleted.
type FixedDaystate struct {
	Date    time.Time
	StateID int64
}

// String encodes the anchor log form "YYYY-MM-DD:{state_id}".
func (f FixedDaystate) String() string {
	return FormatDate(f.Date) + ":" + strconv.FormatInt(f.StateID, 10)
}

// ParseFixedDaystate decodes "YYYY-MM-DD:{state_id}".
func ParseFixedDaystate(s string) (FixedDaystate, error) {
	dateStr, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return FixedDaystate{}, fmt.Errorf("malformed fixed daystate %q", s)
	}
	date, err := ParseDate(dateStr)
	if err != nil {
		return FixedDaystate{}, fmt.Errorf("fixed daystate %q: %w", s, err)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return FixedDaystate{}, fmt.Errorf("fixed daystate %q: bad state id: %w", s, err)
	}
	return FixedDaystate{Date: date, StateID: id}, nil
}

// Equal compares by calendar day and state id.
func (f FixedDaystate) Equal(other FixedDaystate) bool {
	return SameDay(f.Date, other.Date) && f.StateID == other.StateID
}

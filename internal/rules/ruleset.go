package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRuleSetExists is returned by strict-add storage operations when a rule
// set with the same pattern is already stored for the organization.
var ErrRuleSetExists = errors.New("rules: rule set already exists for pattern")

// RuleSet is a pattern-scoped policy: which dates it applies to, whether the
// rotation advances past those dates, and the ordered rules deciding spot
// eligibility for passes requested that day.
type RuleSet struct {
	Pattern   string
	IncrDay   bool
	Rules     []Rule
	Timestamp int64
}

// Eval evaluates the set's rules in order for one pass; the first rule that
// includes the pass decides its spot. ok is false when no rule admits it.
func (rs RuleSet) Eval(curState, passState int64, spot int) (int, bool) {
	return Composite(rs.Rules).Adjust(curState, passState, spot)
}

var weekdays = []string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// PatternMatchesDate reports whether a pattern applies to a date. "*" matches
// every day; a weekday name matches weekly; anything else is parsed as an
// exact YYYY-MM-DD date and compared by calendar day. Unparseable patterns
// match nothing; this never fails.
func PatternMatchesDate(pattern string, date time.Time) bool {
	if pattern == "*" {
		return true
	}
	for i, day := range weekdays {
		if pattern == day {
			// time.Weekday counts from Sunday; our table starts at Monday.
			return (int(date.Weekday())+6)%7 == i
		}
	}
	exact, err := time.Parse("2006-01-02", pattern)
	if err != nil {
		return false
	}
	ey, em, ed := exact.Date()
	dy, dm, dd := date.Date()
	return ey == dy && em == dm && ed == dd
}

// PatternReoccurs classifies a pattern: true for "*" and weekday names
// (stored in the reoccurring bucket), false for explicit dates (stored in the
// single-use bucket keyed by day timestamp).
func PatternReoccurs(pattern string) bool {
	if pattern == "*" {
		return true
	}
	for _, day := range weekdays {
		if pattern == day {
			return true
		}
	}
	return false
}

// ResolveForDate returns the operative rule set for a date: single-use sets
// first (the caller looks those up by the day's timestamp range), then the
// reoccurring sets in storage order. First match wins; callers wanting
// override semantics push newer reoccurring sets to the front.
func ResolveForDate(date time.Time, singleUse, reoccurring []RuleSet) (RuleSet, bool) {
	for _, rs := range singleUse {
		if PatternMatchesDate(rs.Pattern, date) {
			return rs, true
		}
	}
	for _, rs := range reoccurring {
		if PatternMatchesDate(rs.Pattern, date) {
			return rs, true
		}
	}
	return RuleSet{}, false
}

// ruleSetDoc is the stored form of a RuleSet: a versioned document with named
// fields and rules serialized back into grammar strings, so old and new
// shapes can coexist across upgrades.
type ruleSetDoc struct {
	V         int      `json:"v"`
	Pattern   string   `json:"pattern"`
	IncrDay   bool     `json:"incrday"`
	Rules     []string `json:"rules"`
	Timestamp int64    `json:"ts"`
}

const ruleSetDocVersion = 1

// EncodeRuleSet serializes a rule set for storage.
func EncodeRuleSet(rs RuleSet) (string, error) {
	doc := ruleSetDoc{
		V:         ruleSetDocVersion,
		Pattern:   rs.Pattern,
		IncrDay:   rs.IncrDay,
		Rules:     make([]string, len(rs.Rules)),
		Timestamp: rs.Timestamp,
	}
	for i, r := range rs.Rules {
		doc.Rules[i] = r.String()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode rule set: %w", err)
	}
	return string(data), nil
}

// DecodeRuleSet deserializes a stored rule set, re-parsing its rule strings.
func DecodeRuleSet(data string) (RuleSet, error) {
	var doc ruleSetDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if doc.V != ruleSetDocVersion {
		return RuleSet{}, fmt.Errorf("decode rule set: unsupported version %d", doc.V)
	}
	rs := RuleSet{
		Pattern:   doc.Pattern,
		IncrDay:   doc.IncrDay,
		Rules:     make([]Rule, len(doc.Rules)),
		Timestamp: doc.Timestamp,
	}
	for i, text := range doc.Rules {
		rule, err := Parse(text)
		if err != nil {
			return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
		}
		rs.Rules[i] = rule
	}
	return rs, nil
}

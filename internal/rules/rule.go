// Package rules implements the rule engine: parsing the spot-mapping grammar
// and evaluating which passes may park on a matching day, and where.
//
// A rule set is (pattern, incrday, rules, timestamp). The pattern selects the
// days the set applies to: "*" (every day), a weekday name (weekly), or an
// explicit YYYY-MM-DD date (once). incrday reports whether the day-state
// rotation advances past that day. The rules are evaluated in order against a
// pass (its day-state and spot number); the first rule that includes the pass
// decides its spot.
//
// Rule syntax:
//
//	"cur"  - only passes of the day's current rotation state may park,
//	         spot unchanged
//	"none" - no pass may park
//	<state_id>                 - passes of that state may park, spot unchanged
//	<state_id>:<spot_map>,...  - passes of that state park at remapped spots
//
// A spot map is one of (start and end inclusive):
//
//	N         N(offset)         N=M         N-M         N-M(offset)
//
// "1-3(1)" maps spots 1-3 to 2-4 and can also be written "1=2,2=3,3=4".
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// AdjustKind says how a SpotMap rewrites a matching spot number.
type AdjustKind int

const (
	// AdjustOffset adds Value to any spot in [Start, End].
	AdjustOffset AdjustKind = iota
	// AdjustFixed maps the single spot Start (== End) to the literal Value.
	AdjustFixed
)

// SpotMap remaps an inclusive range of spot numbers.
type SpotMap struct {
	Start int
	End   int
	Value int
	Kind  AdjustKind
}

// Includes reports whether spot falls inside the mapped range.
func (m SpotMap) Includes(spot int) bool {
	return m.Start <= spot && spot <= m.End
}

// Adjust returns the remapped spot number. ok is false when the spot is
// outside the mapped range.
func (m SpotMap) Adjust(spot int) (int, bool) {
	if !m.Includes(spot) {
		return 0, false
	}
	if m.Kind == AdjustFixed {
		return m.Value, true
	}
	return spot + m.Value, true
}

func (m SpotMap) String() string {
	if m.Kind == AdjustFixed {
		return fmt.Sprintf("%d=%d", m.Start, m.Value)
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(m.Start))
	if m.End != m.Start {
		b.WriteByte('-')
		b.WriteString(strconv.Itoa(m.End))
	}
	if m.Value != 0 {
		fmt.Fprintf(&b, "(%d)", m.Value)
	}
	return b.String()
}

// Rule decides whether a pass (day-state plus spot number) may park on a day
// and what spot it ends up in. curState is the day's resolved rotation state.
type Rule interface {
	// Includes reports whether the rule is relevant to the pass at all.
	Includes(curState, passState int64, spot int) bool
	// Adjust returns the effective spot for the pass. ok is false when the
	// pass may not park under this rule.
	Adjust(curState, passState int64, spot int) (int, bool)
	// String renders the rule back into grammar form.
	String() string
}

// NoneRule rejects every pass: parking is not managed on the matching day.
type NoneRule struct{}

func (NoneRule) Includes(_, _ int64, _ int) bool      { return true }
func (NoneRule) Adjust(_, _ int64, _ int) (int, bool) { return 0, false }
func (NoneRule) String() string                       { return "none" }

// CurStateRule admits only passes of the day's current rotation state, with
// their spot unchanged.
type CurStateRule struct{}

func (CurStateRule) Includes(curState, passState int64, _ int) bool {
	return curState == passState
}

func (CurStateRule) Adjust(curState, passState int64, spot int) (int, bool) {
	if curState != passState {
		return 0, false
	}
	return spot, true
}

func (CurStateRule) String() string { return "cur" }

// CustomRule admits passes of a specific state and optionally renumbers their
// spots. An empty SpotMaps list admits every spot of that state unchanged.
type CustomRule struct {
	StateID  int64
	SpotMaps []SpotMap
}

func (r CustomRule) Includes(_, passState int64, spot int) bool {
	if r.StateID != passState {
		return false
	}
	if len(r.SpotMaps) == 0 {
		return true
	}
	for _, m := range r.SpotMaps {
		if m.Includes(spot) {
			return true
		}
	}
	return false
}

func (r CustomRule) Adjust(curState, passState int64, spot int) (int, bool) {
	if !r.Includes(curState, passState, spot) {
		return 0, false
	}
	if len(r.SpotMaps) == 0 {
		return spot, true
	}
	for _, m := range r.SpotMaps {
		if adjusted, ok := m.Adjust(spot); ok {
			return adjusted, true
		}
	}
	return 0, false
}

func (r CustomRule) String() string {
	if len(r.SpotMaps) == 0 {
		return strconv.FormatInt(r.StateID, 10)
	}
	parts := make([]string, len(r.SpotMaps))
	for i, m := range r.SpotMaps {
		parts[i] = m.String()
	}
	return strconv.FormatInt(r.StateID, 10) + ":" + strings.Join(parts, ",")
}

// Composite evaluates rules in order; the first rule that includes the pass
// decides its spot.
type Composite []Rule

func (c Composite) Includes(curState, passState int64, spot int) bool {
	for _, r := range c {
		if r.Includes(curState, passState, spot) {
			return true
		}
	}
	return false
}

func (c Composite) Adjust(curState, passState int64, spot int) (int, bool) {
	for _, r := range c {
		if r.Includes(curState, passState, spot) {
			return r.Adjust(curState, passState, spot)
		}
	}
	return 0, false
}

func (c Composite) String() string {
	parts := make([]string, len(c))
	for i, r := range c {
		parts[i] = r.String()
	}
	return strings.Join(parts, ";")
}

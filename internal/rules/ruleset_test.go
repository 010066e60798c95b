package rules

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPatternMatchesDate(t *testing.T) {
	matches := []struct {
		pattern string
		date    time.Time
	}{
		{"monday", date(2017, 3, 13)},
		{"tuesday", date(2017, 3, 14)},
		{"wednesday", date(2017, 3, 1)},
		{"thursday", date(2017, 1, 12)},
		{"friday", date(2017, 1, 20)},
		{"saturday", date(2017, 1, 28)},
		{"sunday", date(2017, 2, 5)},
		{"*", date(2017, 1, 1)},
		{"*", date(1999, 12, 31)},
		{"2018-03-12", date(2018, 3, 12)},
	}
	for _, tt := range matches {
		if !PatternMatchesDate(tt.pattern, tt.date) {
			t.Errorf("PatternMatchesDate(%q, %s) = false, want true", tt.pattern, tt.date.Format("2006-01-02"))
		}
	}

	misses := []struct {
		pattern string
		date    time.Time
	}{
		{"monday", date(2017, 1, 1)},
		{"sunday", date(2017, 1, 2)},
		{"2018-03-12", date(2018, 3, 13)},
		{"hello, sailor", date(2017, 1, 1)},
		{"", date(2017, 1, 1)},
	}
	for _, tt := range misses {
		if PatternMatchesDate(tt.pattern, tt.date) {
			t.Errorf("PatternMatchesDate(%q, %s) = true, want false", tt.pattern, tt.date.Format("2006-01-02"))
		}
	}
}

func TestPatternReoccurs(t *testing.T) {
	for _, p := range []string{"*", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"} {
		if !PatternReoccurs(p) {
			t.Errorf("PatternReoccurs(%q) = false, want true", p)
		}
	}
	for _, p := range []string{"2018-03-12", "2017-01-10", "2011-12-01", "hello, sailor", ""} {
		if PatternReoccurs(p) {
			t.Errorf("PatternReoccurs(%q) = true, want false", p)
		}
	}
}

func TestResolveForDateFirstMatchWins(t *testing.T) {
	mustParse := func(s string) Rule {
		r, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return r
	}

	reoccurring := []RuleSet{
		{Pattern: "saturday", Rules: []Rule{mustParse("none")}},
		{Pattern: "*", IncrDay: true, Rules: []Rule{mustParse("cur")}},
	}
	singleUse := []RuleSet{
		{Pattern: "2017-03-18", Rules: []Rule{mustParse("1")}},
	}

	// 2017-03-18 is a Saturday: the single-use set must win over both
	// reoccurring matches.
	rs, ok := ResolveForDate(date(2017, 3, 18), singleUse, reoccurring)
	if !ok {
		t.Fatal("expected a match")
	}
	if rs.Pattern != "2017-03-18" {
		t.Errorf("matched %q, want the single-use set", rs.Pattern)
	}

	// A plain Saturday hits the weekday set before the wildcard.
	rs, ok = ResolveForDate(date(2017, 3, 25), nil, reoccurring)
	if !ok {
		t.Fatal("expected a match")
	}
	if rs.Pattern != "saturday" {
		t.Errorf("matched %q, want \"saturday\"", rs.Pattern)
	}

	// A weekday falls through to the wildcard.
	rs, ok = ResolveForDate(date(2017, 3, 22), nil, reoccurring)
	if !ok {
		t.Fatal("expected a match")
	}
	if rs.Pattern != "*" {
		t.Errorf("matched %q, want \"*\"", rs.Pattern)
	}

	// No sets at all: undefined day.
	if _, ok := ResolveForDate(date(2017, 3, 22), nil, nil); ok {
		t.Error("expected no match with empty buckets")
	}
}

func TestRuleSetEval(t *testing.T) {
	mustParse := func(s string) Rule {
		r, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return r
	}

	// On non-state-1 days, spots 1-20 of state 1 park at 41-60; state "cur"
	// passes keep their spot.
	rs := RuleSet{
		Pattern: "*",
		IncrDay: true,
		Rules:   []Rule{mustParse("cur"), mustParse("1:1-20(40)")},
	}

	// Current state 2, pass of state 2, spot 7: "cur" admits unchanged.
	if spot, ok := rs.Eval(2, 2, 7); !ok || spot != 7 {
		t.Errorf("Eval(2,2,7) = (%d,%v), want (7,true)", spot, ok)
	}
	// Pass of state 1 on a state-2 day is remapped by offset.
	if spot, ok := rs.Eval(2, 1, 5); !ok || spot != 45 {
		t.Errorf("Eval(2,1,5) = (%d,%v), want (45,true)", spot, ok)
	}
	// Pass of state 1 outside the mapped range may not park.
	if _, ok := rs.Eval(2, 1, 21); ok {
		t.Error("Eval(2,1,21): expected no admission")
	}
	// Pass of state 3 matches no rule.
	if _, ok := rs.Eval(2, 3, 5); ok {
		t.Error("Eval(2,3,5): expected no admission")
	}

	// "none" rejects everything, even the current state.
	noneSet := RuleSet{Pattern: "saturday", Rules: []Rule{mustParse("none")}}
	if _, ok := noneSet.Eval(1, 1, 1); ok {
		t.Error("none rule should reject every pass")
	}
}

func TestFixedSpotMapEval(t *testing.T) {
	rule, err := Parse("3:10=2")
	if err != nil {
		t.Fatal(err)
	}
	if spot, ok := rule.Adjust(1, 3, 10); !ok || spot != 2 {
		t.Errorf("Adjust(1,3,10) = (%d,%v), want (2,true)", spot, ok)
	}
	if _, ok := rule.Adjust(1, 3, 11); ok {
		t.Error("spot 11 is outside the fixed map")
	}
}

func TestRuleSetCodecRoundTrip(t *testing.T) {
	mustParse := func(s string) Rule {
		r, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return r
	}

	in := RuleSet{
		Pattern:   "*",
		IncrDay:   true,
		Rules:     []Rule{mustParse("cur"), mustParse("1:1-20(40)"), mustParse("none")},
		Timestamp: 1489363200,
	}
	encoded, err := EncodeRuleSet(in)
	if err != nil {
		t.Fatalf("EncodeRuleSet: %v", err)
	}
	out, err := DecodeRuleSet(encoded)
	if err != nil {
		t.Fatalf("DecodeRuleSet: %v", err)
	}
	if out.Pattern != in.Pattern || out.IncrDay != in.IncrDay || out.Timestamp != in.Timestamp {
		t.Errorf("decoded header = %+v, want %+v", out, in)
	}
	if len(out.Rules) != len(in.Rules) {
		t.Fatalf("decoded %d rules, want %d", len(out.Rules), len(in.Rules))
	}
	for i := range out.Rules {
		if out.Rules[i].String() != in.Rules[i].String() {
			t.Errorf("rule %d = %q, want %q", i, out.Rules[i], in.Rules[i])
		}
	}
}

func TestDecodeRuleSetRejectsUnknownVersion(t *testing.T) {
	if _, err := DecodeRuleSet(`{"v":99,"pattern":"*","incrday":true,"rules":["cur"],"ts":0}`); err == nil {
		t.Error("expected unsupported-version error")
	}
	if _, err := DecodeRuleSet(`not json`); err == nil {
		t.Error("expected decode error")
	}
	if _, err := DecodeRuleSet(`{"v":1,"pattern":"*","incrday":true,"rules":["nope"],"ts":0}`); err == nil {
		t.Error("expected rule parse error")
	}
}

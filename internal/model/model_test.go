package model

import (
	"testing"
	"time"
)

func TestParseFixedDaystate(t *testing.T) {
	tests := []struct {
		in      string
		year    int
		month   time.Month
		day     int
		stateID int64
	}{
		{"2012-11-02:4", 2012, time.November, 2, 4},
		{"2017-03-03:1", 2017, time.March, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			fix, err := ParseFixedDaystate(tt.in)
			if err != nil {
				t.Fatalf("ParseFixedDaystate(%q): %v", tt.in, err)
			}
			y, m, d := fix.Date.Date()
			if y != tt.year || m != tt.month || d != tt.day {
				t.Errorf("date = %d-%d-%d, want %d-%d-%d", y, m, d, tt.year, tt.month, tt.day)
			}
			if fix.StateID != tt.stateID {
				t.Errorf("state id = %d, want %d", fix.StateID, tt.stateID)
			}
			if got := fix.String(); got != tt.in {
				t.Errorf("String() = %q, want round-trip %q", got, tt.in)
			}
		})
	}
}

func TestParseFixedDaystateMalformed(t *testing.T) {
	for _, in := range []string{"", "2012-11-02", "2012-11-02:x", "hello:4", "11/02/2012:4"} {
		if _, err := ParseFixedDaystate(in); err == nil {
			t.Errorf("ParseFixedDaystate(%q): expected error", in)
		}
	}
}

func TestFixedDaystateEqual(t *testing.T) {
	fix := FixedDaystate{Date: Midnight(time.Now().UTC()), StateID: 4}
	if !fix.Equal(fix) {
		t.Fatal("anchor should equal itself")
	}

	parsed, err := ParseFixedDaystate(fix.String())
	if err != nil {
		t.Fatalf("round-trip parse: %v", err)
	}
	if !fix.Equal(parsed) {
		t.Errorf("round-trip anchor %v != %v", parsed, fix)
	}

	other := FixedDaystate{Date: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC), StateID: 4}
	if fix.Equal(other) {
		t.Error("anchors on different days should not be equal")
	}
}

func TestLiveObjRoundTrip(t *testing.T) {
	obj := LiveObj{Kind: ObjUser, ID: 42, Token: 7}
	if got := obj.String(); got != "42:7" {
		t.Fatalf("String() = %q, want \"42:7\"", got)
	}
	parsed, err := ParseLiveObj("42:7", ObjUser)
	if err != nil {
		t.Fatalf("ParseLiveObj: %v", err)
	}
	if parsed != obj {
		t.Errorf("parsed = %+v, want %+v", parsed, obj)
	}
}

func TestParseLiveObjMalformed(t *testing.T) {
	for _, in := range []string{"", "42", "42:", ":7", "a:b"} {
		if _, err := ParseLiveObj(in, ObjPass); err == nil {
			t.Errorf("ParseLiveObj(%q): expected error", in)
		}
	}
}

func TestDayTimestamp(t *testing.T) {
	d, err := ParseDate("2020-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if got := DayTimestamp(d); got != d.Unix() {
		t.Errorf("DayTimestamp = %d, want %d", got, d.Unix())
	}
	// Time-of-day must not shift the day score.
	later := d.Add(13 * time.Hour)
	if DayTimestamp(later) != DayTimestamp(d) {
		t.Error("DayTimestamp should truncate to midnight")
	}
}

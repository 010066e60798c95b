package rules

import (
	"fmt"
	"strconv"
)

// SyntaxError reports malformed rule text. The rule is rejected at parse time
// and never partially applied.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("rule syntax error at offset %d in %q: %s", e.Pos, e.Input, e.Msg)
}

// Parse parses a single rule in grammar form:
//
//	"cur" | "none" | <state_id>[:<spot_map>(,<spot_map>)*]
func Parse(text string) (Rule, error) {
	p := &parser{in: text}
	rule, err := p.rule()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.in) {
		return nil, p.errorf("trailing input %q", p.in[p.pos:])
	}
	return rule, nil
}

// ParseSpotMap parses a single spot-map expression, e.g. "1-20(40)" or "3=7".
func ParseSpotMap(text string) (SpotMap, error) {
	p := &parser{in: text}
	m, err := p.spotMap()
	if err != nil {
		return SpotMap{}, err
	}
	if p.pos != len(p.in) {
		return SpotMap{}, p.errorf("trailing input %q", p.in[p.pos:])
	}
	return m, nil
}

type parser struct {
	in  string
	pos int
}

func (p *parser) errorf(format string, args ...any) *SyntaxError {
	return &SyntaxError{Input: p.in, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.in) {
		return 0, false
	}
	return p.in[p.pos], true
}

func (p *parser) accept(c byte) bool {
	if ch, ok := p.peek(); ok && ch == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) literal(word string) bool {
	if len(p.in)-p.pos < len(word) {
		return false
	}
	if p.in[p.pos:p.pos+len(word)] != word {
		return false
	}
	p.pos += len(word)
	return true
}

func (p *parser) integer() (int, error) {
	start := p.pos
	for {
		ch, ok := p.peek()
		if !ok || ch < '0' || ch > '9' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return 0, p.errorf("expected number")
	}
	text := p.in[start:p.pos]
	n, err := strconv.Atoi(text)
	if err != nil {
		p.pos = start
		return 0, p.errorf("bad number %q", text)
	}
	return n, nil
}

func (p *parser) rule() (Rule, error) {
	if p.literal("cur") {
		return CurStateRule{}, nil
	}
	if p.literal("none") {
		return NoneRule{}, nil
	}

	stateID, err := p.integer()
	if err != nil {
		return nil, p.errorf("expected \"cur\", \"none\", or a state id")
	}

	rule := CustomRule{StateID: int64(stateID)}
	if !p.accept(':') {
		return rule, nil
	}

	for {
		m, err := p.spotMap()
		if err != nil {
			return nil, err
		}
		rule.SpotMaps = append(rule.SpotMaps, m)
		if !p.accept(',') {
			break
		}
	}
	return rule, nil
}

// spotMap parses N, N(offset), N=M, N-M, or N-M(offset). A range may not be
// combined with a fixed assignment; "1-3=5" is rejected as ambiguous.
func (p *parser) spotMap() (SpotMap, error) {
	start, err := p.integer()
	if err != nil {
		return SpotMap{}, err
	}

	m := SpotMap{Start: start, End: start, Kind: AdjustOffset}

	switch ch, ok := p.peek(); {
	case !ok:
		return m, nil
	case ch == '-':
		p.pos++
		end, err := p.integer()
		if err != nil {
			return SpotMap{}, err
		}
		if end < start {
			return SpotMap{}, p.errorf("range %d-%d is reversed", start, end)
		}
		m.End = end
		if p.accept('=') {
			return SpotMap{}, p.errorf("a range cannot take a fixed assignment")
		}
		if p.accept('(') {
			if m.Value, err = p.integer(); err != nil {
				return SpotMap{}, err
			}
			if !p.accept(')') {
				return SpotMap{}, p.errorf("expected ')'")
			}
		}
		return m, nil
	case ch == '=':
		p.pos++
		value, err := p.integer()
		if err != nil {
			return SpotMap{}, err
		}
		m.Kind = AdjustFixed
		m.Value = value
		return m, nil
	case ch == '(':
		p.pos++
		value, err := p.integer()
		if err != nil {
			return SpotMap{}, err
		}
		if !p.accept(')') {
			return SpotMap{}, p.errorf("expected ')'")
		}
		m.Value = value
		return m, nil
	default:
		return m, nil
	}
}

// Package partialjson completes truncated JSON text into a parseable value.
//
// Tool-call arguments arrive from the model as string fragments. While the
// call is still streaming, Repair turns the prefix seen so far into the value
// the finished document would most plausibly start with, so that callers can
// show live progress. The result is best-effort: keys without a value and
// unfinished numbers are dropped, unfinished strings are closed and open
// containers are closed in reverse order.
package partialjson

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnrepairable is returned when no completion of the input parses.
var ErrUnrepairable = errors.New("partial json could not be repaired")

type position int

const (
	expectValue position = iota
	expectKey
	expectColon
	expectCommaOrEnd
)

type frame struct {
	kind byte
	pos  position
	key  string
}

type scanner struct {
	s     string
	stack []frame
	root  position

	inString    bool
	stringIsKey bool
	stringStart int
	stringEnd   int

	inToken  bool
	tokStart int

	safeEnd     int
	safeClosers string
}

// Repair parses s, completing it first if it is a truncated JSON document.
// Valid JSON is returned exactly as encoding/json would decode it.
func Repair(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}

	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, ErrUnrepairable
	}

	sc := &scanner{s: trimmed, safeEnd: -1}
	sc.scan()

	for _, candidate := range sc.candidates() {
		if err := json.Unmarshal([]byte(candidate), &v); err == nil {
			return v, nil
		}
	}
	return nil, errors.Wrapf(ErrUnrepairable, "input length %d", len(s))
}

// RepairObject repairs s and returns it only if it is a JSON object.
func RepairObject(s string) (map[string]interface{}, bool) {
	v, err := Repair(s)
	if err != nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// OpenMember reports the key of the top-level object member whose string
// value is still unterminated at the end of s. Repair closes that string, so
// its repaired value is only a prefix of what the finished document holds.
func OpenMember(s string) (string, bool) {
	sc := &scanner{s: strings.TrimSpace(s), safeEnd: -1}
	sc.scan()
	if !sc.inString || sc.stringIsKey || len(sc.stack) != 1 || sc.stack[0].kind != '{' {
		return "", false
	}
	return sc.stack[0].key, true
}

func (sc *scanner) current() *position {
	if len(sc.stack) == 0 {
		return &sc.root
	}
	return &sc.stack[len(sc.stack)-1].pos
}

func (sc *scanner) closers() string {
	var b strings.Builder
	for i := len(sc.stack) - 1; i >= 0; i-- {
		if sc.stack[i].kind == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func (sc *scanner) markSafe(end int) {
	sc.safeEnd = end
	sc.safeClosers = sc.closers()
}

func (sc *scanner) valueDone(end int) {
	*sc.current() = expectCommaOrEnd
	sc.markSafe(end)
}

func isTokenByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '.' || c == '+' || c == '-'
}

func (sc *scanner) scan() {
	s := sc.s
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		if sc.inString {
			switch c {
			case '\\':
				if i+1 >= n {
					sc.stringEnd = i
					return
				}
				if s[i+1] == 'u' {
					if i+6 > n {
						sc.stringEnd = i
						return
					}
					i += 5
				} else {
					i++
				}
			case '"':
				sc.inString = false
				if sc.stringIsKey {
					var key string
					_ = json.Unmarshal([]byte(s[sc.stringStart:i+1]), &key)
					sc.stack[len(sc.stack)-1].key = key
					*sc.current() = expectColon
				} else {
					sc.valueDone(i + 1)
				}
			}
			continue
		}

		switch c {
		case ' ', '\t', '\n', '\r':
		case '{':
			sc.stack = append(sc.stack, frame{kind: '{', pos: expectKey})
			sc.markSafe(i + 1)
		case '[':
			sc.stack = append(sc.stack, frame{kind: '[', pos: expectValue})
			sc.markSafe(i + 1)
		case '}', ']':
			if len(sc.stack) == 0 {
				return
			}
			sc.stack = sc.stack[:len(sc.stack)-1]
			sc.valueDone(i + 1)
		case ':':
			*sc.current() = expectValue
		case ',':
			if len(sc.stack) > 0 && sc.stack[len(sc.stack)-1].kind == '{' {
				*sc.current() = expectKey
			} else {
				*sc.current() = expectValue
			}
		case '"':
			sc.inString = true
			sc.stringStart = i
			sc.stringIsKey = len(sc.stack) > 0 &&
				sc.stack[len(sc.stack)-1].kind == '{' &&
				*sc.current() == expectKey
		default:
			j := i
			for j < n && isTokenByte(s[j]) {
				j++
			}
			if j == i {
				// not JSON at all; whatever was safe so far is the best we have
				return
			}
			if j >= n {
				sc.inToken = true
				sc.tokStart = i
				return
			}
			sc.valueDone(j)
			i = j - 1
		}
	}
	if sc.inString {
		sc.stringEnd = n
	}
}

func (sc *scanner) candidates() []string {
	var out []string
	closers := sc.closers()

	if sc.inString && !sc.stringIsKey {
		out = append(out, sc.s[:sc.stringEnd]+`"`+closers)
	}

	if sc.inToken {
		tok := sc.s[sc.tokStart:]
		prefix := sc.s[:sc.tokStart]
		completed := false
		for _, lit := range []string{"true", "false", "null"} {
			if strings.HasPrefix(lit, tok) {
				out = append(out, prefix+lit+closers)
				completed = true
				break
			}
		}
		if !completed {
			num := strings.TrimRight(tok, "+-.eE")
			if num != "" && num[len(num)-1] >= '0' && num[len(num)-1] <= '9' {
				out = append(out, prefix+num+closers)
			}
		}
	}

	if sc.safeEnd >= 0 {
		out = append(out, sc.s[:sc.safeEnd]+sc.safeClosers)
	}
	return out
}

// Package gdbmi implements the debug session bridge: a client for the GDB
// Machine Interface (GDB/MI), a pseudoterminal channel for the debuggee's
// standard streams, and the session state machine that merges both into a
// single consistent view.
//
// GDB/MI is a line-oriented protocol. Each output line is classified by the
// character following an optional numeric token:
//
//	^  result record, correlated to the token of the command that caused it
//	*  exec-async record (execution state changes: running, stopped)
//	+  status-async record (progress notifications)
//	=  notify-async record (everything else: breakpoints, thread groups, ...)
//	~  console stream (CLI output as a C string)
//	@  target stream
//	&  log stream
//
// A bare "(gdb)" line terminates an output sequence. Lines matching none of
// the above are not discarded: they are surfaced as raw stream records so no
// debugger output is ever silently lost.
package gdbmi

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordClass classifies a parsed GDB/MI output line.
type RecordClass string

const (
	ClassResult      RecordClass = "result"
	ClassExecAsync   RecordClass = "exec-async"
	ClassStatusAsync RecordClass = "status-async"
	ClassNotifyAsync RecordClass = "notify-async"
	ClassStream      RecordClass = "stream"
	ClassPrompt      RecordClass = "prompt"
)

// StreamKind distinguishes the three MI stream channels plus raw fallback
// text for lines the grammar does not cover.
type StreamKind string

const (
	StreamConsole StreamKind = "console"
	StreamTarget  StreamKind = "target"
	StreamLog     StreamKind = "log"
	StreamRaw     StreamKind = "raw"
)

// Record is one parsed unit of GDB/MI output. It is immutable once parsed.
type Record struct {
	Class RecordClass

	// Token is the numeric command token for result records, or -1 when the
	// line carried none.
	Token int

	// Message is the result or async class name, e.g. "done", "error",
	// "running", "stopped", "breakpoint-created".
	Message string

	// Payload holds the parsed MI results following the message. Values are
	// string, map[string]interface{} or []interface{}.
	Payload map[string]interface{}

	// StreamKind and Text carry stream record content.
	StreamKind StreamKind
	Text       string

	// Raw is the original line as received.
	Raw string
}

// IsAsync reports whether the record belongs on the notification stream.
func (r *Record) IsAsync() bool {
	switch r.Class {
	case ClassExecAsync, ClassStatusAsync, ClassNotifyAsync, ClassStream:
		return true
	}
	return false
}

// PayloadString returns the named payload field as a string, or "" when the
// field is absent or not a string.
func (r *Record) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// ParseError describes a line that does not conform to the MI grammar. The
// codec never fails on one: the caller downgrades the line to a raw stream
// record and keeps going.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 60 {
		line = line[:60] + "..."
	}
	return fmt.Sprintf("malformed MI line %q: %s", line, e.Reason)
}

// ParseLine parses one line of GDB/MI output. It always returns a usable
// Record: grammar violations yield a raw stream record carrying the original
// text, alongside the parse error for diagnostics.
func ParseLine(line string) (*Record, error) {
	raw := line
	line = strings.TrimSuffix(line, "\r")

	if strings.TrimSpace(line) == "(gdb)" {
		return &Record{Class: ClassPrompt, Token: -1, Raw: raw}, nil
	}

	token := -1
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 {
		if t, err := strconv.Atoi(line[:i]); err == nil {
			token = t
		}
	}

	if i >= len(line) {
		return rawRecord(raw), &ParseError{Line: line, Reason: "no record class"}
	}

	rest := line[i+1:]
	switch line[i] {
	case '^':
		msg, payload, err := parseClassAndResults(rest)
		if err != nil {
			return rawRecord(raw), err
		}
		return &Record{Class: ClassResult, Token: token, Message: msg, Payload: payload, Raw: raw}, nil
	case '*':
		msg, payload, err := parseClassAndResults(rest)
		if err != nil {
			return rawRecord(raw), err
		}
		return &Record{Class: ClassExecAsync, Token: token, Message: msg, Payload: payload, Raw: raw}, nil
	case '+':
		msg, payload, err := parseClassAndResults(rest)
		if err != nil {
			return rawRecord(raw), err
		}
		return &Record{Class: ClassStatusAsync, Token: token, Message: msg, Payload: payload, Raw: raw}, nil
	case '=':
		msg, payload, err := parseClassAndResults(rest)
		if err != nil {
			return rawRecord(raw), err
		}
		return &Record{Class: ClassNotifyAsync, Token: token, Message: msg, Payload: payload, Raw: raw}, nil
	case '~', '@', '&':
		if token != -1 {
			// Stream records carry no token in the grammar.
			return rawRecord(raw), &ParseError{Line: line, Reason: "token before stream record"}
		}
		text, err := parseCString(rest)
		if err != nil {
			return rawRecord(raw), err
		}
		kind := StreamConsole
		switch line[i] {
		case '@':
			kind = StreamTarget
		case '&':
			kind = StreamLog
		}
		return &Record{Class: ClassStream, Token: -1, StreamKind: kind, Text: text, Raw: raw}, nil
	}

	return rawRecord(raw), &ParseError{Line: line, Reason: fmt.Sprintf("unknown record class %q", line[i])}
}

func rawRecord(raw string) *Record {
	return &Record{Class: ClassStream, Token: -1, StreamKind: StreamRaw, Text: raw, Raw: raw}
}

// parseClassAndResults parses `class ( "," result )*`.
func parseClassAndResults(s string) (string, map[string]interface{}, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		if s == "" {
			return "", nil, &ParseError{Line: s, Reason: "empty class"}
		}
		return s, nil, nil
	}

	class := s[:comma]
	if class == "" {
		return "", nil, &ParseError{Line: s, Reason: "empty class"}
	}

	p := &miParser{s: s, pos: comma}
	payload := make(map[string]interface{})
	for p.pos < len(p.s) {
		if p.s[p.pos] != ',' {
			return "", nil, &ParseError{Line: s, Reason: fmt.Sprintf("expected ',' at offset %d", p.pos)}
		}
		p.pos++
		key, val, err := p.result()
		if err != nil {
			return "", nil, err
		}
		payload[key] = val
	}
	return class, payload, nil
}

// miParser is a recursive-descent parser for the MI result grammar:
//
//	result  ->  variable "=" value
//	value   ->  const | tuple | list
//	const   ->  c-string
//	tuple   ->  "{}" | "{" result ( "," result )* "}"
//	list    ->  "[]" | "[" value ( "," value )* "]"
//	               |  "[" result ( "," result )* "]"
type miParser struct {
	s   string
	pos int
}

func (p *miParser) errf(format string, args ...interface{}) error {
	return &ParseError{Line: p.s, Reason: fmt.Sprintf(format, args...)}
}

func (p *miParser) result() (string, interface{}, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != '=' {
		c := p.s[p.pos]
		if c == ',' || c == '{' || c == '}' || c == '[' || c == ']' || c == '"' {
			return "", nil, p.errf("invalid variable name at offset %d", p.pos)
		}
		p.pos++
	}
	if p.pos >= len(p.s) || p.pos == start {
		return "", nil, p.errf("expected variable=value at offset %d", start)
	}
	name := p.s[start:p.pos]
	p.pos++ // '='
	val, err := p.value()
	if err != nil {
		return "", nil, err
	}
	return name, val, nil
}

func (p *miParser) value() (interface{}, error) {
	if p.pos >= len(p.s) {
		return nil, p.errf("unexpected end of input")
	}
	switch p.s[p.pos] {
	case '"':
		return p.cstring()
	case '{':
		return p.tuple()
	case '[':
		return p.list()
	}
	return nil, p.errf("expected value at offset %d", p.pos)
}

func (p *miParser) tuple() (map[string]interface{}, error) {
	p.pos++ // '{'
	out := make(map[string]interface{})
	if p.pos < len(p.s) && p.s[p.pos] == '}' {
		p.pos++
		return out, nil
	}
	for {
		key, val, err := p.result()
		if err != nil {
			return nil, err
		}
		out[key] = val
		if p.pos >= len(p.s) {
			return nil, p.errf("unterminated tuple")
		}
		switch p.s[p.pos] {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, p.errf("expected ',' or '}' at offset %d", p.pos)
		}
	}
}

func (p *miParser) list() ([]interface{}, error) {
	p.pos++ // '['
	out := []interface{}{}
	if p.pos < len(p.s) && p.s[p.pos] == ']' {
		p.pos++
		return out, nil
	}
	for {
		var elem interface{}
		var err error
		if p.pos < len(p.s) && (p.s[p.pos] == '"' || p.s[p.pos] == '{' || p.s[p.pos] == '[') {
			elem, err = p.value()
		} else {
			// Lists of results, e.g. [frame={...},frame={...}].
			var key string
			var val interface{}
			key, val, err = p.result()
			if err == nil {
				elem = map[string]interface{}{key: val}
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
		if p.pos >= len(p.s) {
			return nil, p.errf("unterminated list")
		}
		switch p.s[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return out, nil
		default:
			return nil, p.errf("expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *miParser) cstring() (string, error) {
	p.pos++ // '"'
	var sb strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch c {
		case '"':
			p.pos++
			return sb.String(), nil
		case '\\':
			p.pos++
			if p.pos >= len(p.s) {
				return "", p.errf("dangling escape")
			}
			e := p.s[p.pos]
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '"', '\'':
				sb.WriteByte(e)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				// Up to three octal digits.
				val := 0
				n := 0
				for n < 3 && p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '7' {
					val = val*8 + int(p.s[p.pos]-'0')
					p.pos++
					n++
				}
				p.pos--
				sb.WriteByte(byte(val))
			default:
				// Unknown escape, keep it verbatim.
				sb.WriteByte('\\')
				sb.WriteByte(e)
			}
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errf("unterminated string")
}

// parseCString parses a whole stream record body, which is a single c-string.
func parseCString(s string) (string, error) {
	if len(s) == 0 || s[0] != '"' {
		return "", &ParseError{Line: s, Reason: "stream record is not a c-string"}
	}
	p := &miParser{s: s}
	text, err := p.cstring()
	if err != nil {
		return "", err
	}
	if p.pos != len(s) {
		return "", &ParseError{Line: s, Reason: "trailing data after stream string"}
	}
	return text, nil
}

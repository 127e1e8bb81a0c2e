package gdbmi

import (
	"fmt"
	"strconv"
	"strings"
)

type RecordType int

const (
	RecordResult RecordType = iota
	RecordExecAsync
	RecordStatusAsync
	RecordNotifyAsync
	RecordConsole
	RecordTarget
	RecordLog
	RecordPrompt
)

var recordTypeNames = [...]string{
	RecordResult:      "result",
	RecordExecAsync:   "exec",
	RecordStatusAsync: "status",
	RecordNotifyAsync: "notify",
	RecordConsole:     "console",
	RecordTarget:      "target",
	RecordLog:         "log",
	RecordPrompt:      "prompt",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("RecordType(%d)", int(t))
}

// Tuple is an MI tuple. Values are string, Tuple or List.
type Tuple map[string]any

// List is an MI list. Lists of results hold single-key tuples.
type List []any

func (t Tuple) String(key string) string {
	s, _ := t[key].(string)
	return s
}

func (t Tuple) Tuple(key string) Tuple {
	v, _ := t[key].(Tuple)
	return v
}

func (t Tuple) List(key string) List {
	v, _ := t[key].(List)
	return v
}

// Record is one line of MI output.
type Record struct {
	Type RecordType
	// Token is the command token echoed by gdb, zero when absent.
	Token   uint64
	Class   string
	Results Tuple
	// Stream is the decoded text of a stream record. On a result record it
	// holds the console and log output of the command it completes.
	Stream string
}

// ParseRecord parses a single line of gdb/mi output, without its newline.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "(gdb)" {
		return Record{Type: RecordPrompt}, nil
	}
	p := &parser{s: line}

	var r Record
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	if p.pos > start {
		token, err := strconv.ParseUint(p.s[start:p.pos], 10, 64)
		if err != nil {
			return Record{}, p.errorf("bad token: %v", err)
		}
		r.Token = token
	}
	if p.eof() {
		return Record{}, p.errorf("missing record type")
	}

	switch p.next() {
	case '^':
		r.Type = RecordResult
	case '*':
		r.Type = RecordExecAsync
	case '+':
		r.Type = RecordStatusAsync
	case '=':
		r.Type = RecordNotifyAsync
	case '~':
		r.Type = RecordConsole
		return p.stream(r)
	case '@':
		r.Type = RecordTarget
		return p.stream(r)
	case '&':
		r.Type = RecordLog
		return p.stream(r)
	default:
		return Record{}, p.errorf("unknown record type %q", p.s[p.pos-1])
	}

	r.Class = p.ident()
	if r.Class == "" {
		return Record{}, p.errorf("missing record class")
	}
	r.Results = Tuple{}
	for !p.eof() {
		if err := p.expect(','); err != nil {
			return Record{}, err
		}
		k, v, err := p.result()
		if err != nil {
			return Record{}, err
		}
		r.Results[k] = v
	}
	return r, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) stream(r Record) (Record, error) {
	s, err := p.cstring()
	if err != nil {
		return Record{}, err
	}
	r.Stream = s
	return r, nil
}

func (p *parser) eof() bool { return p.pos >= len(p.s) }

func (p *parser) next() byte {
	c := p.s[p.pos]
	p.pos++
	return c
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("mi: %s at offset %d in %q", fmt.Sprintf(format, args...), p.pos, p.s)
}

func (p *parser) expect(c byte) error {
	if p.eof() || p.s[p.pos] != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() {
		c := p.s[p.pos]
		if c == '=' || c == ',' || c == '{' || c == '}' || c == '[' || c == ']' || c == '"' {
			break
		}
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *parser) result() (string, any, error) {
	k := p.ident()
	if k == "" {
		return "", nil, p.errorf("missing variable name")
	}
	if err := p.expect('='); err != nil {
		return "", nil, err
	}
	v, err := p.value()
	return k, v, err
}

func (p *parser) value() (any, error) {
	switch p.peek() {
	case '"':
		return p.cstring()
	case '{':
		return p.tuple()
	case '[':
		return p.list()
	default:
		return nil, p.errorf("expected value")
	}
}

func (p *parser) tuple() (Tuple, error) {
	p.pos++
	t := Tuple{}
	if p.peek() == '}' {
		p.pos++
		return t, nil
	}
	for {
		k, v, err := p.result()
		if err != nil {
			return nil, err
		}
		t[k] = v
		if p.peek() == ',' {
			p.pos++
			continue
		}
		return t, p.expect('}')
	}
}

func (p *parser) list() (List, error) {
	p.pos++
	l := List{}
	if p.peek() == ']' {
		p.pos++
		return l, nil
	}
	for {
		var (
			v   any
			err error
		)
		switch p.peek() {
		case '"', '{', '[':
			v, err = p.value()
		default:
			var k string
			k, v, err = p.result()
			v = Tuple{k: v}
		}
		if err != nil {
			return nil, err
		}
		l = append(l, v)
		if p.peek() == ',' {
			p.pos++
			continue
		}
		return l, p.expect(']')
	}
}

func (p *parser) cstring() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var sb strings.Builder
	for !p.eof() {
		c := p.next()
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated escape")
			}
			e := p.next()
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'e':
				sb.WriteByte(0x1b)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				n := int(e - '0')
				for i := 0; i < 2 && p.peek() >= '0' && p.peek() <= '7'; i++ {
					n = n*8 + int(p.next()-'0')
				}
				sb.WriteByte(byte(n))
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

// quote renders s as an MI c-string argument.
func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

package manifest

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrSyntax 表示清单头语法错误。
var ErrSyntax = errors.New("manifest: syntax error")

// Clause 是头部中逗号分隔的一个条目。
//
//	ENTRY = key (';' key)* (';' PARAM)*
//	PARAM = attr '=' value | directive ':=' value
type Clause struct {
	Keys       []string
	Attributes map[string]string
	Directives map[string]string
}

// ParseHeader 按 ENTRY (',' ENTRY)* 语法解析头部取值。
func ParseHeader(raw string) ([]Clause, error) {
	p := &clauseParser{src: raw}
	var clauses []Clause
	p.skipSpace()
	if p.eof() {
		return nil, nil
	}
	for {
		c, err := p.clause()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
		p.skipSpace()
		if p.eof() {
			return clauses, nil
		}
		if p.peek() != ',' {
			return nil, p.errorf("expected ','")
		}
		p.pos++
	}
}

type clauseParser struct {
	src string
	pos int
}

func (p *clauseParser) eof() bool  { return p.pos >= len(p.src) }
func (p *clauseParser) peek() byte { return p.src[p.pos] }

func (p *clauseParser) skipSpace() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t' || p.peek() == '\r' || p.peek() == '\n') {
		p.pos++
	}
}

func (p *clauseParser) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, "at offset %d in %q: "+format, append([]any{p.pos, p.src}, args...)...)
}

func (p *clauseParser) clause() (Clause, error) {
	c := Clause{}
	for {
		p.skipSpace()
		tok, err := p.token()
		if err != nil {
			return Clause{}, err
		}
		p.skipSpace()

		switch {
		case strings.HasPrefix(p.src[p.pos:], ":="):
			p.pos += 2
			val, err := p.value()
			if err != nil {
				return Clause{}, err
			}
			if c.Directives == nil {
				c.Directives = make(map[string]string)
			}
			c.Directives[tok] = val
		case !p.eof() && p.peek() == '=':
			p.pos++
			val, err := p.value()
			if err != nil {
				return Clause{}, err
			}
			if c.Attributes == nil {
				c.Attributes = make(map[string]string)
			}
			c.Attributes[tok] = val
		default:
			if len(c.Attributes) > 0 || len(c.Directives) > 0 {
				return Clause{}, p.errorf("key %q after parameters", tok)
			}
			c.Keys = append(c.Keys, tok)
		}

		p.skipSpace()
		if p.eof() || p.peek() == ',' {
			if len(c.Keys) == 0 {
				return Clause{}, p.errorf("entry without key")
			}
			return c, nil
		}
		if p.peek() != ';' {
			return Clause{}, p.errorf("unexpected %q", p.peek())
		}
		p.pos++
	}
}

func (p *clauseParser) token() (string, error) {
	start := p.pos
	for !p.eof() {
		ch := p.peek()
		if ch == ';' || ch == ',' || ch == '=' || ch == ':' || ch == '"' || ch == ' ' || ch == '\t' {
			// ':' 之后不是 '=' 时属于名称的一部分。
			if ch == ':' && !strings.HasPrefix(p.src[p.pos:], ":=") {
				p.pos++
				continue
			}
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected token")
	}
	return p.src[start:p.pos], nil
}

func (p *clauseParser) value() (string, error) {
	p.skipSpace()
	if p.eof() {
		return "", p.errorf("expected value")
	}
	if p.peek() != '"' {
		start := p.pos
		for !p.eof() && p.peek() != ';' && p.peek() != ',' {
			p.pos++
		}
		val := strings.TrimSpace(p.src[start:p.pos])
		if val == "" {
			return "", p.errorf("expected value")
		}
		return val, nil
	}

	p.pos++
	var b strings.Builder
	for !p.eof() {
		ch := p.peek()
		switch ch {
		case '\\':
			p.pos++
			if p.eof() {
				return "", p.errorf("dangling escape")
			}
			b.WriteByte(p.peek())
			p.pos++
		case '"':
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
	return "", p.errorf("unterminated quoted value")
}

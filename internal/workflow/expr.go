package workflow

import (
	"fmt"
	"strings"
)

// ExprContext carries the values workflow expressions can reference.
// Field names follow the "github.*" vocabulary the definitions use.
type ExprContext struct {
	Workflow   string // github.workflow
	Ref        string // github.ref, e.g. refs/heads/main
	EventName  string // github.event_name: push|pull_request|workflow_dispatch|schedule
	Repository string // github.repository
	SHA        string // github.sha
}

func (c ExprContext) lookup(name string) (string, bool) {
	switch name {
	case "github.workflow":
		return c.Workflow, true
	case "github.ref":
		return c.Ref, true
	case "github.event_name":
		return c.EventName, true
	case "github.repository":
		return c.Repository, true
	case "github.sha":
		return c.SHA, true
	}
	return "", false
}

// Interpolate replaces every ${{ expr }} occurrence in s with the expression's
// string value. Text outside the markers passes through unchanged.
func Interpolate(s string, ec ExprContext) (string, error) {
	var out strings.Builder
	for {
		start := strings.Index(s, "${{")
		if start < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated ${{ in %q", s)
		}
		out.WriteString(s[:start])
		expr := s[start+3 : start+end]
		v, err := Eval(expr, ec)
		if err != nil {
			return "", err
		}
		out.WriteString(valueString(v))
		s = s[start+end+2:]
	}
}

// EvalCondition evaluates a step or job "if" expression. An empty expression
// is true. The surrounding ${{ }} marker is optional, matching the observed
// definitions which write the deploy condition both ways.
func EvalCondition(s string, ec ExprContext) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return true, nil
	}
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = s[3 : len(s)-2]
	}
	v, err := Eval(s, ec)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Eval evaluates a single expression without interpolation markers.
//
// Supported grammar, smallest-first: single-quoted strings ('' escapes a
// quote), true/false literals, dotted identifiers resolved against the
// context, !, ==, !=, &&, ||, and parentheses.
func Eval(expr string, ec ExprContext) (any, error) {
	p := &exprParser{toks: tokenize(expr), ec: ec}
	v, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", strings.TrimSpace(expr), err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("evaluate %q: unexpected trailing token %q", strings.TrimSpace(expr), p.peek())
	}
	return v, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	default:
		return false
	}
}

func valueString(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '\'':
			// single-quoted string, '' escapes a quote
			j := i + 1
			var sb strings.Builder
			sb.WriteByte('\'')
			for j < len(s) {
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						sb.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteByte(s[j])
				j++
			}
			toks = append(toks, sb.String())
			i = j + 1
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"):
			toks = append(toks, s[i:i+2])
			i += 2
		case c == '!':
			toks = append(toks, "!")
			i++
		default:
			if !isIdentChar(c) {
				// Unknown byte; emit as-is so the parser reports it.
				toks = append(toks, string(c))
				i++
				continue
			}
			j := i
			for j < len(s) && (isIdentChar(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type exprParser struct {
	toks []string
	pos  int
	ec   ExprContext
}

func (p *exprParser) eof() bool { return p.pos >= len(p.toks) }

func (p *exprParser) peek() string {
	if p.eof() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseEquality() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "==" || p.peek() == "!=" {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		eq := valueString(left) == valueString(right)
		if op == "!=" {
			eq = !eq
		}
		left = eq
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.peek() == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case strings.HasPrefix(tok, "'"):
		return tok[1:], nil
	case tok == "true":
		return true, nil
	case tok == "false":
		return false, nil
	case strings.Contains(tok, "."):
		v, ok := p.ec.lookup(tok)
		if !ok {
			return nil, fmt.Errorf("unknown context value %q", tok)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok)
	}
}

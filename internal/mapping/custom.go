package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// stringOp is one whitelisted operation of a custom expression.
type stringOp func(string) string

// compileExpression parses "op(args) | op(args) ..." into a pipeline.
// Only the operations below are accepted; anything else is a parse error.
//
//	trim()
//	lowercase()  uppercase()
//	split(sep, index)
//	substring(start[, end])
//	replace(old, new)
//	padStart(length[, pad])
func compileExpression(expr string) ([]stringOp, error) {
	p := &exprParser{src: []rune(expr)}
	return p.parse()
}

func runPipeline(ops []stringOp, s string) string {
	for _, op := range ops {
		s = op(s)
	}
	return s
}

type exprArg struct {
	str   string
	num   int
	isNum bool
}

type exprParser struct {
	src []rune
	pos int
}

func (p *exprParser) parse() ([]stringOp, error) {
	var ops []stringOp
	for {
		p.skipSpace()
		name := p.ident()
		if name == "" {
			return nil, p.errorf("expected operation name")
		}

		p.skipSpace()
		if !p.consume('(') {
			return nil, p.errorf("expected '(' after %s", name)
		}
		args, err := p.args()
		if err != nil {
			return nil, err
		}

		op, err := buildOp(name, args)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)

		p.skipSpace()
		if p.eof() {
			return ops, nil
		}
		if !p.consume('|') {
			return nil, p.errorf("expected '|' between operations")
		}
	}
}

func (p *exprParser) args() ([]exprArg, error) {
	var args []exprArg

	p.skipSpace()
	if p.consume(')') {
		return args, nil
	}

	for {
		p.skipSpace()
		arg, err := p.arg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		p.skipSpace()
		if p.consume(')') {
			return args, nil
		}
		if !p.consume(',') {
			return nil, p.errorf("expected ',' or ')'")
		}
	}
}

func (p *exprParser) arg() (exprArg, error) {
	if p.eof() {
		return exprArg{}, p.errorf("unexpected end of expression")
	}

	quote := p.src[p.pos]
	if quote == '"' || quote == '\'' {
		p.pos++
		var sb strings.Builder
		for !p.eof() {
			r := p.src[p.pos]
			p.pos++
			switch {
			case r == '\\' && !p.eof():
				sb.WriteRune(p.src[p.pos])
				p.pos++
			case r == quote:
				return exprArg{str: sb.String()}, nil
			default:
				sb.WriteRune(r)
			}
		}
		return exprArg{}, p.errorf("unterminated string")
	}

	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for !p.eof() && unicode.IsDigit(p.src[p.pos]) {
		p.pos++
	}
	n, err := strconv.Atoi(string(p.src[start:p.pos]))
	if err != nil {
		return exprArg{}, p.errorf("expected string or integer argument")
	}
	return exprArg{num: n, isNum: true}, nil
}

func (p *exprParser) ident() string {
	start := p.pos
	for !p.eof() && (unicode.IsLetter(p.src[p.pos]) || unicode.IsDigit(p.src[p.pos])) {
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *exprParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) consume(r rune) bool {
	if !p.eof() && p.src[p.pos] == r {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *exprParser) errorf(format string, args ...any) error {
	return fmt.Errorf("position %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func buildOp(name string, args []exprArg) (stringOp, error) {
	switch name {
	case "trim":
		if err := checkArgs(name, args, ""); err != nil {
			return nil, err
		}
		return strings.TrimSpace, nil

	case "lowercase":
		if err := checkArgs(name, args, ""); err != nil {
			return nil, err
		}
		return strings.ToLower, nil

	case "uppercase":
		if err := checkArgs(name, args, ""); err != nil {
			return nil, err
		}
		return strings.ToUpper, nil

	case "split":
		if err := checkArgs(name, args, "sn"); err != nil {
			return nil, err
		}
		sep, index := args[0].str, args[1].num
		return func(s string) string {
			parts := strings.Split(s, sep)
			if index < 0 || index >= len(parts) {
				return ""
			}
			return parts[index]
		}, nil

	case "substring":
		if len(args) == 1 {
			if err := checkArgs(name, args, "n"); err != nil {
				return nil, err
			}
			return substringOp(args[0].num, -1), nil
		}
		if err := checkArgs(name, args, "nn"); err != nil {
			return nil, err
		}
		return substringOp(args[0].num, args[1].num), nil

	case "replace":
		if err := checkArgs(name, args, "ss"); err != nil {
			return nil, err
		}
		old, repl := args[0].str, args[1].str
		return func(s string) string {
			if old == "" {
				return s
			}
			return strings.ReplaceAll(s, old, repl)
		}, nil

	case "padStart":
		pad := " "
		if len(args) == 2 {
			if err := checkArgs(name, args, "ns"); err != nil {
				return nil, err
			}
			pad = args[1].str
		} else if err := checkArgs(name, args, "n"); err != nil {
			return nil, err
		}
		return padStartOp(args[0].num, pad), nil
	}

	return nil, fmt.Errorf("unknown operation %q", name)
}

// checkArgs validates arity and types; kinds has one letter per argument, s=string n=int.
func checkArgs(name string, args []exprArg, kinds string) error {
	if len(args) != len(kinds) {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, len(kinds), len(args))
	}
	for i, k := range kinds {
		if (k == 'n') != args[i].isNum {
			return fmt.Errorf("%s argument %d has the wrong type", name, i+1)
		}
	}
	return nil
}

// substringOp clamps and swaps indexes; end < 0 means to the end.
func substringOp(start, end int) stringOp {
	return func(s string) string {
		runes := []rune(s)
		from, to := clamp(start, len(runes)), len(runes)
		if end >= 0 {
			to = clamp(end, len(runes))
		}
		if from > to {
			from, to = to, from
		}
		return string(runes[from:to])
	}
}

func padStartOp(length int, pad string) stringOp {
	return func(s string) string {
		missing := length - len([]rune(s))
		if missing <= 0 || pad == "" {
			return s
		}
		fill := []rune(strings.Repeat(pad, missing/len([]rune(pad))+1))
		return string(fill[:missing]) + s
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

package testbed

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	nixruntime "github.com/wippyai/nix-runtime"
)

// litValue is a forced result.
type litValue struct {
	kind nixruntime.KindTag
	i    int64
	f    float64
	b    bool
	s    []byte
	n    uint32
}

// form is a parsed expression awaiting evaluation. Parse errors and
// undefined names surface at parse time, range errors at eval time,
// which is when the real evaluator reports them.
type form struct {
	val       litValue
	substring bool
	subStart  int64
	subLen    int64
	subStr    []byte
}

func (f form) eval() (litValue, error) {
	if !f.substring {
		return f.val, nil
	}
	if f.subStart < 0 {
		return litValue{}, fmt.Errorf("negative start position in 'substring'")
	}
	s := f.subStr
	start := f.subStart
	if start > int64(len(s)) {
		start = int64(len(s))
	}
	end := int64(len(s))
	if f.subLen >= 0 && start+f.subLen < end {
		end = start + f.subLen
	}
	return litValue{kind: nixruntime.TagString, s: s[start:end]}, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_'-]*$`)
var funcRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_'-]*\s*:`)

// parseForm parses the literal subset of the expression language: the
// scalar literals, strings, paths, flat lists and attribute sets,
// single-argument functions, and builtins.substring applied to
// literals.
func parseForm(expr string) (form, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return form{}, fmt.Errorf("syntax error, unexpected end of file")

	case expr == "true":
		return form{val: litValue{kind: nixruntime.TagBool, b: true}}, nil
	case expr == "false":
		return form{val: litValue{kind: nixruntime.TagBool}}, nil
	case expr == "null":
		return form{val: litValue{kind: nixruntime.TagNull}}, nil

	case strings.HasPrefix(expr, "builtins.substring "):
		return parseSubstring(strings.TrimPrefix(expr, "builtins.substring "))

	case strings.HasPrefix(expr, `"`):
		s, err := unquote(expr)
		if err != nil {
			return form{}, err
		}
		return form{val: litValue{kind: nixruntime.TagString, s: s}}, nil

	case strings.HasPrefix(expr, "/"):
		if strings.ContainsAny(expr, " \t\n") {
			return form{}, fmt.Errorf("syntax error, unexpected token after path")
		}
		return form{val: litValue{kind: nixruntime.TagPath, s: []byte(expr)}}, nil

	case strings.HasPrefix(expr, "["):
		if !strings.HasSuffix(expr, "]") {
			return form{}, fmt.Errorf("syntax error, unterminated list")
		}
		elems, err := splitTop(expr[1 : len(expr)-1])
		if err != nil {
			return form{}, err
		}
		return form{val: litValue{kind: nixruntime.TagList, n: uint32(len(elems))}}, nil

	case strings.HasPrefix(expr, "{"):
		if !strings.HasSuffix(expr, "}") {
			return form{}, fmt.Errorf("syntax error, unterminated attribute set")
		}
		n, err := countAttrs(expr[1 : len(expr)-1])
		if err != nil {
			return form{}, err
		}
		return form{val: litValue{kind: nixruntime.TagAttrs, n: n}}, nil

	case funcRe.MatchString(expr):
		return form{val: litValue{kind: nixruntime.TagFunction}}, nil
	}

	if i, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return form{val: litValue{kind: nixruntime.TagInt, i: i}}, nil
	}
	if strings.ContainsAny(expr, ".eE") {
		if f, err := strconv.ParseFloat(expr, 64); err == nil {
			return form{val: litValue{kind: nixruntime.TagFloat, f: f}}, nil
		}
	}
	if identRe.MatchString(expr) {
		return form{}, fmt.Errorf("undefined variable '%s'", expr)
	}
	return form{}, fmt.Errorf("syntax error, unexpected %q", firstToken(expr))
}

func parseSubstring(rest string) (form, error) {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 3)
	if len(parts) != 3 {
		return form{}, fmt.Errorf("syntax error, 'substring' takes three arguments")
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return form{}, fmt.Errorf("syntax error, unexpected %q", parts[0])
	}
	length, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return form{}, fmt.Errorf("syntax error, unexpected %q", parts[1])
	}
	s, err := unquote(strings.TrimSpace(parts[2]))
	if err != nil {
		return form{}, err
	}
	return form{substring: true, subStart: start, subLen: length, subStr: s}, nil
}

// unquote decodes a double-quoted string literal. Escapes follow the
// expression language: \n \r \t pass through as control characters,
// anything else escapes to itself.
func unquote(q string) ([]byte, error) {
	if len(q) < 2 || q[0] != '"' {
		return nil, fmt.Errorf("syntax error, expected a string")
	}
	var out []byte
	for i := 1; i < len(q); i++ {
		c := q[i]
		switch c {
		case '"':
			if i != len(q)-1 {
				return nil, fmt.Errorf("syntax error, unexpected %q", q[i+1:])
			}
			return out, nil
		case '\\':
			i++
			if i >= len(q) {
				return nil, fmt.Errorf("syntax error, unterminated string")
			}
			switch q[i] {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			default:
				out = append(out, q[i])
			}
		default:
			out = append(out, c)
		}
	}
	return nil, fmt.Errorf("syntax error, unterminated string")
}

// splitTop splits on whitespace at nesting depth zero.
func splitTop(s string) ([]string, error) {
	var elems []string
	depth := 0
	inStr := false
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if c == '\\' {
				i++
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
			if start < 0 {
				start = i
			}
		case '[', '{', '(':
			depth++
			if start < 0 {
				start = i
			}
		case ']', '}', ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("syntax error, unexpected %q", string(c))
			}
		case ' ', '\t', '\n':
			if depth == 0 && start >= 0 {
				elems = append(elems, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if inStr {
		return nil, fmt.Errorf("syntax error, unterminated string")
	}
	if depth != 0 {
		return nil, fmt.Errorf("syntax error, unbalanced brackets")
	}
	if start >= 0 {
		elems = append(elems, s[start:])
	}
	return elems, nil
}

// countAttrs counts `name = value;` entries at depth zero.
func countAttrs(s string) (uint32, error) {
	var n uint32
	depth := 0
	inStr := false
	segStart := 0
	seen := func(seg string) error {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil
		}
		if !strings.Contains(seg, "=") {
			return fmt.Errorf("syntax error, expected '=' in attribute")
		}
		n++
		return nil
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if c == '\\' {
				i++
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '[', '{', '(':
			depth++
		case ']', '}', ')':
			depth--
		case ';':
			if depth == 0 {
				if err := seen(s[segStart:i]); err != nil {
					return 0, err
				}
				segStart = i + 1
			}
		}
	}
	if strings.TrimSpace(s[segStart:]) != "" {
		return 0, fmt.Errorf("syntax error, attribute not terminated by ';'")
	}
	return n, nil
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}

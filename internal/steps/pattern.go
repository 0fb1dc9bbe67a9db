// Package steps compiles driver step patterns and routes step text to the
// owning driver and action.
package steps

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// CaptureKind is the conversion applied to one captured group.
type CaptureKind int

const (
	CaptureString CaptureKind = iota // {string} — double-quoted token
	CaptureInt                       // {int} — signed integer
	CaptureWord                      // {word} — non-whitespace token
	CaptureRegex                     // legacy (...) raw regex group
)

// CompiledPattern is a step pattern compiled to a case-insensitive,
// anchored matcher. Compilation is idempotent: compiling Source again
// yields an equivalent pattern.
type CompiledPattern struct {
	Source   string
	Captures []CaptureKind

	// LiteralChars counts non-placeholder, non-whitespace characters,
	// used as the first tie-break between colliding patterns.
	LiteralChars int

	re *regexp.Regexp
}

// Compile parses the pattern grammar:
//
//	pattern     = (literal | placeholder)+
//	placeholder = "{string}" | "{int}" | "{word}" | "(" regex ")"
//
// Literal text matches case-insensitively; whitespace in the pattern
// matches one-or-more whitespace in the input.
func Compile(pattern string) (*CompiledPattern, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	var (
		sb       strings.Builder
		captures []CaptureKind
		literals int
	)
	sb.WriteString(`(?i)^\s*`)

	flushLiteral := func(lit string) {
		if lit == "" {
			return
		}
		// Collapse whitespace runs into \s+; quote everything else.
		var run strings.Builder
		inSpace := false
		for _, r := range lit {
			if unicode.IsSpace(r) {
				if !inSpace {
					sb.WriteString(regexp.QuoteMeta(run.String()))
					run.Reset()
					sb.WriteString(`\s+`)
					inSpace = true
				}
				continue
			}
			inSpace = false
			run.WriteRune(r)
			literals++
		}
		sb.WriteString(regexp.QuoteMeta(run.String()))
	}

	runes := []rune(pattern)
	lit := strings.Builder{}
	for i := 0; i < len(runes); {
		switch runes[i] {
		case '{':
			end := indexRune(runes, i+1, '}')
			if end < 0 {
				return nil, fmt.Errorf("pattern %q: unterminated placeholder", pattern)
			}
			name := string(runes[i+1 : end])
			flushLiteral(lit.String())
			lit.Reset()
			switch name {
			case "string":
				sb.WriteString(`"([^"]*)"`)
				captures = append(captures, CaptureString)
			case "int":
				sb.WriteString(`([+-]?\d+)`)
				captures = append(captures, CaptureInt)
			case "word":
				sb.WriteString(`(\S+)`)
				captures = append(captures, CaptureWord)
			default:
				return nil, fmt.Errorf("pattern %q: unknown placeholder {%s}", pattern, name)
			}
			i = end + 1
		case '(':
			end, err := matchParen(runes, i)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, err)
			}
			flushLiteral(lit.String())
			lit.Reset()
			group := string(runes[i : end+1])
			if _, err := regexp.Compile(group); err != nil {
				return nil, fmt.Errorf("pattern %q: invalid regex group %s: %w", pattern, group, err)
			}
			sb.WriteString(group)
			captures = append(captures, CaptureRegex)
			i = end + 1
		default:
			lit.WriteRune(runes[i])
			i++
		}
	}
	flushLiteral(lit.String())
	sb.WriteString(`\s*$`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}

	return &CompiledPattern{
		Source:       pattern,
		Captures:     captures,
		LiteralChars: literals,
		re:           re,
	}, nil
}

// Match returns the ordered captured groups when text matches.
func (p *CompiledPattern) Match(text string) ([]string, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

func indexRune(runes []rune, from int, r rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// matchParen finds the closing paren of the group opening at start,
// honoring nesting and backslash escapes.
func matchParen(runes []rune, start int) (int, error) {
	depth := 0
	for i := start; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced regex group")
}

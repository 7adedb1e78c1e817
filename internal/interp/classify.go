package interp

import (
	"strings"

	"github.com/morecompute/morecompute/common"
)

// LineKind classifies one logical line of cell source.
type LineKind int

const (
	// LineBlank is an empty or whitespace-only line.
	LineBlank LineKind = iota
	// LineComment starts with '#' and is skipped.
	LineComment
	// LineShell starts with '!' and runs through the system shell.
	LineShell
	// LineAssignment binds a name, "x = expr" or a compound form like "x += expr".
	LineAssignment
	// LineExpression evaluates to a value; if it is the last line of the
	// cell, the value becomes the cell's result.
	LineExpression
	// LineStatement starts with a reserved statement keyword, which the cell
	// language does not support.
	LineStatement
)

// Logical is a logical line: physical lines joined while brackets remain
// open, so multi-line literals and call arguments work as expected.
type Logical struct {
	Text string
	// Line is the 1-based physical line the logical line starts on.
	Line int
	Kind LineKind
	// For assignments: target name, operator ("=", "+=", ...) and the
	// right-hand side expression.
	Target string
	Op     string
	RHS    string
}

// statementKeywords are reserved words that introduce statements in other
// notebook languages. Cells here are expression-oriented, so a line opening
// with one of these is rejected with a syntax error rather than silently
// misread as an expression.
var statementKeywords = common.MakeSet[string](16)

func init() {
	for _, kw := range []string{
		"for", "while", "if", "else", "elif", "def", "func", "class",
		"type", "import", "from", "return", "var", "const", "package",
		"go",
	} {
		statementKeywords.Insert(kw)
	}
}

// SplitLogical splits cell source into logical lines. Physical lines are
// joined while a bracket opened on an earlier line is still unclosed;
// string literals are honored so brackets inside them do not count.
func SplitLogical(code string) []Logical {
	var out []Logical
	physical := strings.Split(code, "\n")
	depth := 0
	var buf strings.Builder
	startLine := 0
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		buf.Reset()
		out = append(out, classify(text, startLine))
	}
	for i, line := range physical {
		if depth == 0 {
			flush()
			startLine = i + 1
			if strings.TrimSpace(line) == "" {
				out = append(out, Logical{Text: line, Line: startLine, Kind: LineBlank})
				continue
			}
		} else {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
		depth += bracketDelta(line)
		if depth < 0 {
			depth = 0 // unbalanced close, let the parser report it
		}
	}
	flush()
	return out
}

// bracketDelta returns the net bracket depth change of a line, skipping
// over string literals.
func bracketDelta(line string) int {
	delta := 0
	var quote byte
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		// '#' is not a comment here: inside expressions it is the
		// predicate placeholder, as in filter(xs, # > 0).
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			delta++
		case ')', ']', '}':
			delta--
		}
	}
	return delta
}

func classify(text string, line int) Logical {
	l := Logical{Text: text, Line: line}
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		l.Kind = LineBlank
		return l
	case strings.HasPrefix(trimmed, "#"):
		l.Kind = LineComment
		return l
	case strings.HasPrefix(trimmed, "!"):
		l.Kind = LineShell
		l.RHS = strings.TrimSpace(trimmed[1:])
		return l
	}
	if kw := leadingWord(trimmed); statementKeywords.Has(kw) {
		l.Kind = LineStatement
		l.Target = kw
		return l
	}
	if target, op, rhs, ok := splitAssignment(trimmed); ok {
		l.Kind = LineAssignment
		l.Target, l.Op, l.RHS = target, op, rhs
		return l
	}
	l.Kind = LineExpression
	return l
}

func leadingWord(s string) string {
	end := 0
	for end < len(s) && (isIdentByte(s[end], end == 0)) {
		end++
	}
	// A keyword followed by '(' is a plain function call, not a statement.
	rest := strings.TrimLeft(s[end:], " \t")
	if strings.HasPrefix(rest, "(") {
		return ""
	}
	return s[:end]
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

// splitAssignment detects "name = expr" and the compound forms
// "name += expr" etc. A '=' that is part of a comparison operator
// (==, !=, <=, >=) does not count, nor does one inside brackets or strings.
func splitAssignment(s string) (target, op, rhs string, ok bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
			continue
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			depth--
			continue
		}
		if c != '=' || depth != 0 {
			continue
		}
		// Skip comparison operators.
		if i+1 < len(s) && s[i+1] == '=' {
			i++ // "=="
			continue
		}
		if i > 0 && (s[i-1] == '=' || s[i-1] == '!' || s[i-1] == '<' || s[i-1] == '>') {
			continue
		}
		left, operator := s[:i], "="
		if i > 0 {
			switch s[i-1] {
			case '+', '-', '*', '/', '%':
				left, operator = s[:i-1], string(s[i-1])+"="
			}
		}
		target = strings.TrimSpace(left)
		if !isIdentifier(target) {
			return "", "", "", false
		}
		return target, operator, strings.TrimSpace(s[i+1:]), true
	}
	return "", "", "", false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return true
}

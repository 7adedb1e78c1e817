package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		source string
		want   LineKind
	}{
		{"", LineBlank},
		{"   \t", LineBlank},
		{"# a comment", LineComment},
		{"  # indented comment", LineComment},
		{"!ls -la", LineShell},
		{"x = 1", LineAssignment},
		{"total += price", LineAssignment},
		{"n -= 1", LineAssignment},
		{"greeting = \"a = b\"", LineAssignment},
		{"a == b", LineExpression},
		{"a != b", LineExpression},
		{"a <= b", LineExpression},
		{"a >= b", LineExpression},
		{"f(x)", LineExpression},
		{"assert(x)", LineExpression},
		{"filter(xs, # > 0)", LineExpression},
		{"m[\"key\"] == 1", LineExpression},
		{"1 + 2", LineExpression},
		{"for x in xs", LineStatement},
		{"if x > 0", LineStatement},
		{"import os", LineStatement},
		{"def f()", LineStatement},
		{"return 1", LineStatement},
		// Keywords used as call names are ordinary expressions.
		{"type(x)", LineExpression},
		{"int(x)", LineExpression},
	} {
		lines := SplitLogical(tc.source)
		require.Len(t, lines, 1, "source: %q", tc.source)
		assert.Equal(t, tc.want, lines[0].Kind, "source: %q", tc.source)
	}
}

func TestClassifyAssignmentParts(t *testing.T) {
	lines := SplitLogical("total += price * 2")
	require.Len(t, lines, 1)
	assert.Equal(t, "total", lines[0].Target)
	assert.Equal(t, "+=", lines[0].Op)
	assert.Equal(t, "price * 2", lines[0].RHS)

	// "m[0] = 1" has no identifier target, it reads as an expression.
	lines = SplitLogical("m[0] == 1")
	require.Len(t, lines, 1)
	assert.Equal(t, LineExpression, lines[0].Kind)
}

func TestSplitLogicalJoinsBrackets(t *testing.T) {
	code := "xs = [\n  1,\n  2,\n]\nlen(xs)"
	lines := SplitLogical(code)
	require.Len(t, lines, 2)
	assert.Equal(t, LineAssignment, lines[0].Kind)
	assert.Equal(t, 1, lines[0].Line)
	assert.Equal(t, LineExpression, lines[1].Kind)
	assert.Equal(t, 5, lines[1].Line)
}

func TestSplitLogicalIgnoresBracketsInStrings(t *testing.T) {
	lines := SplitLogical("s = \"([{\"\nt = ')'")
	require.Len(t, lines, 2)
	assert.Equal(t, LineAssignment, lines[0].Kind)
	assert.Equal(t, LineAssignment, lines[1].Kind)
}

package interp

import (
	"context"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// identVisitor collects the free identifiers of a parsed expression, so
// undefined names are reported as NameError before evaluation, not as an
// opaque evaluation failure.
type identVisitor struct {
	names []string
}

func (v *identVisitor) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		v.names = append(v.names, id.Value)
	}
}

// evalExpr evaluates one expression against env, mapping failures to the
// user-facing error taxonomy.
func evalExpr(ctx context.Context, src string, line int, env map[string]any) (any, *ExecError) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, syntaxError(line, firstLine(err.Error()))
	}
	visitor := &identVisitor{}
	ast.Walk(&tree.Node, visitor)
	for _, name := range visitor.names {
		if _, ok := env[name]; ok {
			continue
		}
		if exprBuiltins.Has(name) {
			continue
		}
		return nil, withLine(nameError(name), line)
	}
	out, err := expr.Eval(src, env)
	if ctx.Err() != nil {
		return nil, interruptedError()
	}
	if err != nil {
		return nil, withLine(mapEvalError(err), line)
	}
	return out, nil
}

func mapEvalError(err error) *ExecError {
	msg := firstLine(err.Error())
	switch {
	case strings.Contains(msg, InterruptedMessage):
		return interruptedError()
	case strings.Contains(msg, "divide by zero"),
		strings.Contains(msg, "division by zero"):
		return execErrorf(ErrZeroDivision, "division by zero")
	default:
		return execErrorf(ErrRuntime, "%s", msg)
	}
}

func withLine(e *ExecError, line int) *ExecError {
	if e.Traceback == nil && line > 0 {
		e.Traceback = []string{
			"  line " + strconv.Itoa(line),
			e.Ename + ": " + e.Evalue,
		}
	}
	return e
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

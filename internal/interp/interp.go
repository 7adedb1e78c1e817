// Package interp implements the cell language executed by the worker
// process: an expression-oriented notebook language with persistent
// variables, shell escapes and a small set of output builtins.
//
// A cell is a sequence of logical lines. Each line is a comment, an
// assignment ("x = expr"), a shell escape ("!cmd"), or an expression. The
// value of the cell's final expression, when not nil, becomes the cell's
// result. Variables persist across cells in a Namespace for the lifetime of
// the worker process.
package interp

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/protocol"
)

// Interpreter executes cells against a persistent namespace. It is built
// with New and configured with the With* methods before first use. A single
// Interpreter must not execute more than one cell at a time.
type Interpreter struct {
	ns   *Namespace
	emit Emitter
	dir  string
}

// New creates an interpreter over the given namespace.
func New(ns *Namespace) *Interpreter {
	return &Interpreter{ns: ns, emit: NopEmitter{}}
}

// WithEmitter sets the receiver of live outputs. It returns the Interpreter,
// so calls can be chained.
func (in *Interpreter) WithEmitter(emit Emitter) *Interpreter {
	in.emit = emit
	return in
}

// WithDir sets the working directory for shell escapes and relative paths.
// It returns the Interpreter, so calls can be chained.
func (in *Interpreter) WithDir(dir string) *Interpreter {
	in.dir = dir
	return in
}

// Namespace returns the namespace the interpreter executes against.
func (in *Interpreter) Namespace() *Namespace {
	return in.ns
}

// Outcome is the summary of one cell execution.
type Outcome struct {
	ExecutionCount int
	Outputs        []map[string]any
	Err            *ExecError
	Elapsed        time.Duration
}

// Result converts the outcome to its wire representation.
func (o *Outcome) Result() *protocol.ExecutionResult {
	result := &protocol.ExecutionResult{
		Status:         protocol.StatusOK,
		ExecutionCount: o.ExecutionCount,
		ExecutionTime:  protocol.FormatDuration(o.Elapsed.Seconds()),
		Outputs:        make([]any, len(o.Outputs)),
	}
	for i, out := range o.Outputs {
		result.Outputs[i] = out
	}
	if o.Err != nil {
		result.Status = protocol.StatusError
		result.Error = o.Err.Payload()
	}
	return result
}

// Execute runs one cell. Outputs are forwarded to the emitter as they are
// produced and collected on the returned Outcome. Execution errors are
// reported on the Outcome, not as a Go error: the interpreter itself does
// not fail.
//
// Canceling ctx interrupts the cell: sleeps return early, shell commands
// receive SIGINT, and the outcome carries a KeyboardInterrupt.
func (in *Interpreter) Execute(ctx context.Context, code string, executionCount int) *Outcome {
	start := time.Now()
	col := newCollector(in.emit)
	execErr := in.run(ctx, code, executionCount, col)
	if execErr != nil {
		col.Error(execErr)
		klog.V(1).Infof("cell execution failed: %v", execErr)
	}
	return &Outcome{
		ExecutionCount: executionCount,
		Outputs:        col.Outputs(),
		Err:            execErr,
		Elapsed:        time.Since(start),
	}
}

func (in *Interpreter) run(ctx context.Context, code string, executionCount int, col *collector) *ExecError {
	var lastValue any
	lastWasExpr := false
	for _, line := range SplitLogical(code) {
		if ctx.Err() != nil {
			return interruptedError()
		}
		switch line.Kind {
		case LineBlank, LineComment:
			continue
		case LineShell:
			lastWasExpr = false
			if err := in.runShell(ctx, line.RHS, col); err != nil {
				return err
			}
		case LineStatement:
			return syntaxError(line.Line,
				"statement keyword "+line.Target+" is not supported in cells")
		case LineAssignment:
			lastWasExpr = false
			if err := in.assign(ctx, line, col); err != nil {
				return err
			}
		case LineExpression:
			value, err := evalExpr(ctx, line.Text, line.Line, in.environ(ctx, col))
			if err != nil {
				return err
			}
			lastValue, lastWasExpr = value, true
		}
	}
	if lastWasExpr && lastValue != nil {
		col.Result(textPlain(lastValue), executionCount)
	}
	return nil
}

func (in *Interpreter) assign(ctx context.Context, line Logical, col *collector) *ExecError {
	rhs := line.RHS
	if line.Op != "=" {
		// Compound assignment desugars to the plain binary form.
		if !in.ns.Has(line.Target) {
			return withLine(nameError(line.Target), line.Line)
		}
		rhs = line.Target + " " + string(line.Op[0]) + " (" + line.RHS + ")"
	}
	value, err := evalExpr(ctx, rhs, line.Line, in.environ(ctx, col))
	if err != nil {
		return err
	}
	in.ns.Set(line.Target, value)
	return nil
}

// environ builds the evaluation environment of one line: the namespace
// snapshot overlaid with the output builtins.
func (in *Interpreter) environ(ctx context.Context, col *collector) map[string]any {
	env := in.ns.Snapshot()
	for name, fn := range in.builtins(ctx, col) {
		env[name] = fn
	}
	return env
}

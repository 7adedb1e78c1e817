package interp

import (
	"fmt"

	"github.com/morecompute/morecompute/internal/protocol"
)

// Error names reported to the front-end. They mirror the exception-style
// naming the notebook UI renders, regardless of how the failure arose.
const (
	ErrNameError    = "NameError"
	ErrSyntaxError  = "SyntaxError"
	ErrZeroDivision = "ZeroDivisionError"
	ErrInterrupted  = "KeyboardInterrupt"
	ErrShellCommand = "ShellCommandError"
	ErrRuntime      = "RuntimeError"
)

// InterruptedMessage is the canonical value of a KeyboardInterrupt.
const InterruptedMessage = "Execution interrupted by user"

// ExecError is an execution failure with a user-facing name, value and
// traceback, reported back to the notebook instead of crashing the worker.
type ExecError struct {
	Ename     string
	Evalue    string
	Traceback []string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Ename, e.Evalue)
}

// Payload converts the error to its wire representation.
func (e *ExecError) Payload() *protocol.ErrorPayload {
	tb := e.Traceback
	if tb == nil {
		tb = []string{fmt.Sprintf("%s: %s", e.Ename, e.Evalue)}
	}
	return &protocol.ErrorPayload{Ename: e.Ename, Evalue: e.Evalue, Traceback: tb}
}

func execErrorf(ename, format string, args ...any) *ExecError {
	return &ExecError{Ename: ename, Evalue: fmt.Sprintf(format, args...)}
}

func nameError(name string) *ExecError {
	return execErrorf(ErrNameError, "name %q is not defined", name)
}

func syntaxError(line int, msg string) *ExecError {
	e := execErrorf(ErrSyntaxError, "%s", msg)
	e.Traceback = []string{
		fmt.Sprintf("  line %d", line),
		fmt.Sprintf("SyntaxError: %s", msg),
	}
	return e
}

func interruptedError() *ExecError {
	return execErrorf(ErrInterrupted, "%s", InterruptedMessage)
}

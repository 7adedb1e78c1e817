package interp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morecompute/morecompute/internal/protocol"
)

// recordingEmitter captures emitted outputs as "<kind>:<payload>" strings,
// keeping the emission order observable.
type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Stream(name, text string) {
	r.events = append(r.events, fmt.Sprintf("stream/%s:%q", name, text))
}

func (r *recordingEmitter) StreamUpdate(name, text string) {
	r.events = append(r.events, fmt.Sprintf("update/%s:%q", name, text))
}

func (r *recordingEmitter) Display(data map[string]any) {
	r.events = append(r.events, fmt.Sprintf("display:%v", data))
}

func (r *recordingEmitter) Result(data map[string]any, executionCount int) {
	r.events = append(r.events, fmt.Sprintf("result[%d]:%v", executionCount, data["text/plain"]))
}

func newTestInterp() (*Interpreter, *recordingEmitter) {
	emit := &recordingEmitter{}
	return New(NewNamespace()).WithEmitter(emit), emit
}

func TestExecuteEchoesLastExpression(t *testing.T) {
	in, emit := newTestInterp()
	outcome := in.Execute(context.Background(), "x = 2\nx * 3", 1)
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, "execute_result", outcome.Outputs[0]["output_type"])
	assert.Equal(t, map[string]any{"text/plain": "6"}, outcome.Outputs[0]["data"])
	assert.Equal(t, []string{"result[1]:6"}, emit.events)

	result := outcome.Result()
	assert.Equal(t, protocol.StatusOK, result.Status)
	assert.Nil(t, result.Error)
	assert.Equal(t, 1, result.ExecutionCount)
}

func TestNamespacePersistsAcrossCells(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "greeting = \"hello\"", 1)
	require.Nil(t, outcome.Err)
	assert.Empty(t, outcome.Outputs, "assignment alone produces no output")

	outcome = in.Execute(context.Background(), "greeting + \" world\"", 2)
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, map[string]any{"text/plain": `"hello world"`}, outcome.Outputs[0]["data"])
}

func TestCompoundAssignment(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "n = 10\nn += 5\nn -= 1\nn", 1)
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, map[string]any{"text/plain": "14"}, outcome.Outputs[0]["data"])

	// Compound assignment to an unbound name is a NameError.
	outcome = in.Execute(context.Background(), "missing += 1", 2)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrNameError, outcome.Err.Ename)
}

func TestPrintStreams(t *testing.T) {
	in, emit := newTestInterp()
	outcome := in.Execute(context.Background(), "print(\"a\", 1)\nprinterr(\"oops\")", 1)
	require.Nil(t, outcome.Err)
	assert.Equal(t, []string{
		`stream/stdout:"a 1\n"`,
		`stream/stderr:"oops\n"`,
	}, emit.events)
	// print returns nil, so nothing is echoed as a result.
	require.Len(t, outcome.Outputs, 2)
	assert.Equal(t, "stream", outcome.Outputs[0]["output_type"])
}

func TestPrintCarriageReturnUpdates(t *testing.T) {
	in, emit := newTestInterp()
	code := "print(\"step 1/3\")\nprint(\"\\rstep 2/3\")\nprint(\"\\rstep 3/3\")"
	outcome := in.Execute(context.Background(), code, 1)
	require.Nil(t, outcome.Err)
	assert.Equal(t, []string{
		`stream/stdout:"step 1/3\n"`,
		`update/stdout:"step 2/3"`,
		`update/stdout:"step 3/3"`,
	}, emit.events)
	// Collected output keeps a single stream record with the final line.
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, "step 3/3", outcome.Outputs[0]["text"])
}

func TestConsecutiveStreamsMerge(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "print(\"a\")\nprint(\"b\")", 1)
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, "a\nb\n", outcome.Outputs[0]["text"])
}

func TestNameError(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "undefined_thing + 1", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrNameError, outcome.Err.Ename)
	assert.Contains(t, outcome.Err.Evalue, "undefined_thing")

	result := outcome.Result()
	assert.Equal(t, protocol.StatusError, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrNameError, result.Error.Ename)
	// The error is also a notebook output so it persists in the saved file.
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, "error", outcome.Outputs[0]["output_type"])
}

func TestSyntaxErrors(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "for x in xs", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrSyntaxError, outcome.Err.Ename)
	assert.Contains(t, outcome.Err.Evalue, "for")

	outcome = in.Execute(context.Background(), "1 +", 2)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrSyntaxError, outcome.Err.Ename)
}

func TestDivisionByZero(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "10 % 0", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrZeroDivision, outcome.Err.Ename)
}

func TestEmptyCell(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "\n# only a comment\n", 1)
	require.Nil(t, outcome.Err)
	assert.Empty(t, outcome.Outputs)
	assert.Equal(t, protocol.StatusOK, outcome.Result().Status)
}

func TestInterruptDuringSleep(t *testing.T) {
	in, _ := newTestInterp()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	outcome := in.Execute(ctx, "sleep(30)", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrInterrupted, outcome.Err.Ename)
	assert.Equal(t, InterruptedMessage, outcome.Err.Evalue)
	assert.Less(t, time.Since(start), 5*time.Second, "sleep must abort on interrupt")
}

func TestInterruptSkipsRemainingLines(t *testing.T) {
	in, emit := newTestInterp()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := in.Execute(ctx, "print(\"never\")", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrInterrupted, outcome.Err.Ename)
	assert.Empty(t, emit.events)
}

func TestShellEscape(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "!echo hello", 1)
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, "stream", outcome.Outputs[0]["output_type"])
	assert.Equal(t, "hello\n", outcome.Outputs[0]["text"])
}

func TestShellEscapeFailure(t *testing.T) {
	in, _ := newTestInterp()
	outcome := in.Execute(context.Background(), "!exit 3", 1)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrShellCommand, outcome.Err.Ename)
	assert.Contains(t, outcome.Err.Evalue, "exit status 3")
}

func TestNamespaceReset(t *testing.T) {
	ns := NewNamespace()
	in := New(ns)
	outcome := in.Execute(context.Background(), "x = 1", 1)
	require.Nil(t, outcome.Err)
	assert.True(t, ns.Has("x"))

	ns.Reset()
	assert.False(t, ns.Has("x"))
	v, ok := ns.Get("__name__")
	require.True(t, ok, "session globals survive a reset")
	assert.Equal(t, "__main__", v)
}

func TestRepr(t *testing.T) {
	for _, tc := range []struct {
		value any
		want  string
	}{
		{nil, "nil"},
		{"hi", `"hi"`},
		{true, "true"},
		{42, "42"},
		{2.5, "2.5"},
		{[]any{1, "a"}, `[1, "a"]`},
		{map[string]any{"b": 2, "a": 1}, `{"a": 1, "b": 2}`},
	} {
		assert.Equal(t, tc.want, Repr(tc.value), "value: %#v", tc.value)
	}
}

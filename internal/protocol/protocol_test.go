package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWire(t *testing.T) {
	cmd := Command{Type: CmdExecuteCell, Code: "x = 1", CellIndex: Index(0), ExecutionCount: 3}
	raw, err := Marshal(cmd)
	require.NoError(t, err)
	// Index 0 must survive the round-trip, it is a valid cell index.
	assert.Contains(t, string(raw), `"cell_index":0`)

	got, err := UnmarshalCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	// Interrupt without a target leaves cell_index out entirely.
	raw, err = Marshal(Command{Type: CmdInterrupt})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "cell_index")
}

func TestExecutionResultKeepsNullError(t *testing.T) {
	result := ExecutionResult{
		Status:         StatusOK,
		ExecutionCount: 1,
		ExecutionTime:  FormatDuration(0.0123),
		Outputs:        []any{},
	}
	raw, err := Marshal(result)
	require.NoError(t, err)
	// The front-end checks result.error === null, so the key must be present.
	assert.Contains(t, string(raw), `"error":null`)
	assert.Contains(t, string(raw), `"execution_time":"12.3ms"`)
}

func TestEventCell(t *testing.T) {
	ev := Event{Type: EventHeartbeat, Timestamp: 1700000000}
	assert.Equal(t, -1, ev.Cell())

	ev = Event{Type: EventStream, CellIndex: Index(2), Name: StreamStdout, Text: "hi\n"}
	assert.Equal(t, 2, ev.Cell())
}

func TestIsBoundary(t *testing.T) {
	for evType, want := range map[string]bool{
		EventExecutionStart:    true,
		EventExecutionError:    true,
		EventExecutionComplete: true,
		EventStream:            false,
		EventStreamUpdate:      false,
		EventHeartbeat:         false,
	} {
		ev := Event{Type: evType}
		assert.Equal(t, want, ev.IsBoundary(), "type %s", evType)
	}
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"execute_cell","data":{"cell_index":4}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientExecuteCell, msg.Type)

	var req ExecuteCellRequest
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, 4, req.CellIndex)

	_, err = ParseClientMessage([]byte(`{"data":{}}`))
	assert.Error(t, err, "missing type must be rejected")

	_, err = ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeReportsType(t *testing.T) {
	msg := ClientMessage{Type: ClientMoveCell}
	var req MoveCellRequest
	err := msg.Decode(&req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "move_cell")
}

func TestServerMessageShape(t *testing.T) {
	raw, err := json.Marshal(ServerMessage{
		Type: ServerError,
		Data: ErrorData{Message: "boom"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"message":"boom"}}`, string(raw))
}

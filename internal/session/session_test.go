package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morecompute/morecompute/internal/notebook"
	"github.com/morecompute/morecompute/internal/protocol"
)

// fakeKernel records calls instead of talking to a worker.
type fakeKernel struct {
	mu             sync.Mutex
	executions     []string
	counts         []int
	interrupts     int
	interruptCells []*int
	resets         int
	execErr        error
}

func (f *fakeKernel) Execute(cellIndex int, code string, executionCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.executions = append(f.executions, code)
	f.counts = append(f.counts, executionCount)
	return nil
}

func (f *fakeKernel) Interrupt(cellIndex *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	f.interruptCells = append(f.interruptCells, cellIndex)
	return nil
}

func (f *fakeKernel) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeKernel) Connected() bool { return true }

// recordingBroadcaster keeps every broadcast message.
type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []protocol.ServerMessage
}

func (r *recordingBroadcaster) Broadcast(msg protocol.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Type
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeKernel, *recordingBroadcaster) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ipynb")
	k := &fakeKernel{}
	s, err := New(path, k)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	b := &recordingBroadcaster{}
	s.WithBroadcaster(b)
	return s, k, b
}

func TestNewSessionWithMissingFile(t *testing.T) {
	s, _, _ := newTestSession(t)
	view := s.View()
	cells := view["cells"].([]map[string]any)
	require.Len(t, cells, 1, "a fresh notebook opens with one empty cell")
	assert.False(t, s.Dirty())
}

func TestExecuteCellAssignsCounts(t *testing.T) {
	s, k, _ := newTestSession(t)
	require.NoError(t, s.UpdateCell(0, "1 + 1"))
	require.NoError(t, s.ExecuteCell(0))
	require.NoError(t, s.ExecuteCell(0))
	assert.Equal(t, []string{"1 + 1", "1 + 1"}, k.executions)
	assert.Equal(t, []int{1, 2}, k.counts, "execution counts are monotonic")
}

func TestExecuteCellValidation(t *testing.T) {
	s, k, _ := newTestSession(t)
	assert.Error(t, s.ExecuteCell(9), "out of range")

	s.AddCell(0, notebook.CellMarkdown, "# heading")
	assert.Error(t, s.ExecuteCell(0), "markdown cells do not execute")
	assert.Empty(t, k.executions)
}

func TestCellOperationsBroadcast(t *testing.T) {
	s, _, b := newTestSession(t)
	at := s.AddCell(-1, notebook.CellCode, "second")
	assert.Equal(t, 1, at)
	require.NoError(t, s.MoveCell(1, 0))
	require.NoError(t, s.DeleteCell(0))
	s.ClearAllOutputs()
	assert.Equal(t, []string{
		protocol.ServerNotebookUpdated,
		protocol.ServerNotebookUpdated,
		protocol.ServerNotebookUpdated,
		protocol.ServerNotebookUpdated,
	}, b.types())
	assert.True(t, s.Dirty())
}

func TestStructuralEditsAutoSave(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.AddCell(-1, notebook.CellCode, "added")
	assert.False(t, s.Dirty(), "adding a cell saves right away")

	nb, err := notebook.Load(s.Path())
	require.NoError(t, err)
	require.Len(t, nb.Cells, 2)
	assert.Equal(t, "added", nb.Cells[1].Source)

	require.NoError(t, s.DeleteCell(1))
	nb, err = notebook.Load(s.Path())
	require.NoError(t, err)
	assert.Len(t, nb.Cells, 1)
}

func TestRestoreCellKeepsIdentity(t *testing.T) {
	s, _, b := newTestSession(t)
	full := []byte(`{
		"cell_type": "code",
		"id": "cell-restored",
		"source": ["print(1)\n"],
		"metadata": {},
		"execution_count": 3,
		"outputs": [{"output_type": "stream", "name": "stdout", "text": "1\n"}]
	}`)
	require.NoError(t, s.RestoreCell(0, full))

	cell := s.View()["cells"].([]map[string]any)[0]
	assert.Equal(t, "cell-restored", cell["id"])
	assert.Equal(t, "print(1)\n", cell["source"])
	outputs := cell["outputs"].([]map[string]any)
	require.Len(t, outputs, 1)
	assert.Equal(t, "1\n", outputs[0]["text"])
	assert.Contains(t, b.types(), protocol.ServerNotebookUpdated)

	// Restored verbatim on disk too, the edit auto-saved.
	nb, err := notebook.Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "cell-restored", nb.Cells[0].ID)

	assert.Error(t, s.RestoreCell(0, []byte("not json")))
}

func TestExecutionEventsUpdateNotebook(t *testing.T) {
	s, _, b := newTestSession(t)
	require.NoError(t, s.UpdateCell(0, "print(\"x\")"))
	require.NoError(t, s.ExecuteCell(0))

	s.HandleEvent(protocol.Event{
		Type:      protocol.EventExecutionStart,
		CellIndex: protocol.Index(0),
	})
	s.HandleEvent(protocol.Event{
		Type:      protocol.EventStream,
		CellIndex: protocol.Index(0),
		Name:      protocol.StreamStdout,
		Text:      "x\n",
	})
	s.HandleEvent(protocol.Event{
		Type:      protocol.EventExecutionComplete,
		CellIndex: protocol.Index(0),
		Result: &protocol.ExecutionResult{
			Status:         protocol.StatusOK,
			ExecutionCount: 1,
			ExecutionTime:  "1.0ms",
			Outputs: []any{
				map[string]any{"output_type": "stream", "name": "stdout", "text": "x\n"},
			},
		},
	})

	view := s.View()
	cell := view["cells"].([]map[string]any)[0]
	outputs := cell["outputs"].([]map[string]any)
	require.Len(t, outputs, 1)
	assert.Equal(t, "x\n", outputs[0]["text"])

	// All three events were relayed to clients, stream writes under the
	// name clients know.
	types := b.types()
	assert.Contains(t, types, protocol.EventExecutionStart)
	assert.Contains(t, types, protocol.ServerStreamOutput)
	assert.Contains(t, types, protocol.EventExecutionComplete)
	assert.NotContains(t, types, protocol.EventStream)
}

func TestEventTypesMapToClientVocabulary(t *testing.T) {
	s, _, b := newTestSession(t)
	for _, ev := range []protocol.Event{
		{Type: protocol.EventStream, CellIndex: protocol.Index(0), Name: protocol.StreamStdout, Text: "a"},
		{Type: protocol.EventStreamUpdate, CellIndex: protocol.Index(0), Name: protocol.StreamStdout, Text: "b"},
		{Type: protocol.EventDisplayData, CellIndex: protocol.Index(0), Data: map[string]any{"text/html": "<b>x</b>"}},
	} {
		s.HandleEvent(ev)
	}
	assert.Equal(t, []string{
		protocol.ServerStreamOutput,
		protocol.ServerStreamOutput,
		protocol.EventExecuteResult,
	}, b.types())
}

func TestResetKernel(t *testing.T) {
	s, k, b := newTestSession(t)
	require.NoError(t, s.UpdateCell(0, "1"))
	require.NoError(t, s.ExecuteCell(0))
	s.HandleEvent(protocol.Event{
		Type:      protocol.EventExecutionComplete,
		CellIndex: protocol.Index(0),
		Result: &protocol.ExecutionResult{
			Status:         protocol.StatusOK,
			ExecutionCount: 1,
			Outputs: []any{
				map[string]any{"output_type": "stream", "name": "stdout", "text": "1\n"},
			},
		},
	})

	require.NoError(t, s.ResetKernel(context.Background()))
	assert.Equal(t, 1, k.resets)

	// Clients get the restart notice followed by the cleared notebook.
	types := b.types()
	restartAt := -1
	for i, typ := range types {
		if typ == protocol.ServerKernelRestarted {
			restartAt = i
		}
	}
	require.GreaterOrEqual(t, restartAt, 0)
	require.Less(t, restartAt+1, len(types))
	assert.Equal(t, protocol.ServerNotebookUpdated, types[restartAt+1])

	// Outputs are gone and the counter restarts.
	cell := s.View()["cells"].([]map[string]any)[0]
	assert.Empty(t, cell["outputs"])
	require.NoError(t, s.ExecuteCell(0))
	assert.Equal(t, []int{1, 1}, k.counts)
}

func TestSaveAndReload(t *testing.T) {
	s, _, b := newTestSession(t)
	require.NoError(t, s.UpdateCell(0, "saved = true"))
	require.True(t, s.Dirty())
	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())
	assert.Contains(t, b.types(), protocol.ServerNotebookSaved)

	// The file is real and loads back.
	nb, err := notebook.Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "saved = true", nb.Cells[0].Source)

	require.NoError(t, s.Load(""))
	assert.Contains(t, b.types(), protocol.ServerNotebookData)
}

func TestLoadOtherNotebook(t *testing.T) {
	s, _, _ := newTestSession(t)
	other := filepath.Join(t.TempDir(), "other.ipynb")
	nb := notebook.New()
	nb.Cells[0].Source = "from other"
	require.NoError(t, nb.Save(other))

	require.NoError(t, s.Load(other))
	assert.Equal(t, other, s.Path())
	view := s.View()
	cells := view["cells"].([]map[string]any)
	assert.Equal(t, "from other", cells[0]["source"])

	assert.Error(t, s.Load(filepath.Join(t.TempDir(), "missing.ipynb")))
}

func TestInterrupt(t *testing.T) {
	s, k, _ := newTestSession(t)
	require.NoError(t, s.Interrupt(nil))
	require.NoError(t, s.Interrupt(protocol.Index(4)))
	require.Equal(t, 2, k.interrupts)
	assert.Nil(t, k.interruptCells[0])
	require.NotNil(t, k.interruptCells[1])
	assert.Equal(t, 4, *k.interruptCells[1])
}

func TestCloseFlushesDirtyNotebook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush.ipynb")
	s, err := New(path, &fakeKernel{})
	require.NoError(t, err)
	require.NoError(t, s.UpdateCell(0, "pending"))
	s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "pending changes flush on close")
}

package notebook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morecompute/morecompute/internal/protocol"
)

const sampleNotebook = `{
 "cells": [
  {
   "cell_type": "code",
   "id": "cell-1",
   "source": ["x = 1\n", "x + 1"],
   "metadata": {},
   "outputs": [],
   "execution_count": null
  },
  {
   "cell_type": "markdown",
   "id": "cell-2",
   "source": "# Title",
   "metadata": {"editable": true},
   "custom_field": {"kept": true}
  }
 ],
 "metadata": {"kernelspec": {"name": "mc"}},
 "nbformat": 4,
 "nbformat_minor": 5,
 "vendor_extension": [1, 2, 3]
}`

func TestLoadNormalizesSource(t *testing.T) {
	path := writeTemp(t, sampleNotebook)
	nb, err := Load(path)
	require.NoError(t, err)
	require.Len(t, nb.Cells, 2)

	// List-form source joins into one string.
	assert.Equal(t, "x = 1\nx + 1", nb.Cells[0].Source)
	// String-form source passes through.
	assert.Equal(t, "# Title", nb.Cells[1].Source)
	assert.Equal(t, CellMarkdown, nb.Cells[1].Type)
	assert.Nil(t, nb.Cells[0].ExecutionCount)
}

func TestRoundTripKeepsUnknownFields(t *testing.T) {
	path := writeTemp(t, sampleNotebook)
	nb, err := Load(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.ipynb")
	require.NoError(t, nb.Save(out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []any{1.0, 2.0, 3.0}, doc["vendor_extension"])
	assert.Equal(t, 4.0, doc["nbformat"])
	assert.Equal(t, 5.0, doc["nbformat_minor"])

	cells := doc["cells"].([]any)
	md := cells[1].(map[string]any)
	assert.Equal(t, map[string]any{"kept": true}, md["custom_field"])
	// Source is written back in list form.
	assert.Equal(t, []any{"x = 1\n", "x + 1"}, cells[0].(map[string]any)["source"])
}

func TestLoadEmptyNotebookGetsACell(t *testing.T) {
	path := writeTemp(t, `{"cells": [], "metadata": {}, "nbformat": 4, "nbformat_minor": 5}`)
	nb, err := Load(path)
	require.NoError(t, err)
	require.Len(t, nb.Cells, 1)
	assert.Equal(t, CellCode, nb.Cells[0].Type)
	assert.Empty(t, nb.Cells[0].Source)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ipynb"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.ipynb")
}

func TestCellsGetIDs(t *testing.T) {
	path := writeTemp(t, `{"cells": [{"cell_type": "code", "source": "1"}]}`)
	nb, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, nb.Cells[0].ID, "cells without ids get a fresh one")

	cell := NewCodeCell("")
	other := NewCodeCell("")
	assert.NotEqual(t, cell.ID, other.ID)
	assert.Contains(t, cell.ID, "cell-")
}

func TestAddCell(t *testing.T) {
	nb := New()
	require.Len(t, nb.Cells, 1)

	_, at := nb.AddCell(-1, CellCode, "appended")
	assert.Equal(t, 1, at)

	cell, at := nb.AddCell(0, CellMarkdown, "# first")
	assert.Equal(t, 0, at)
	assert.Equal(t, CellMarkdown, cell.Type)
	require.Len(t, nb.Cells, 3)
	assert.Equal(t, "# first", nb.Cells[0].Source)
	assert.Equal(t, "appended", nb.Cells[2].Source)
}

func TestDeleteCell(t *testing.T) {
	nb := New()
	nb.AddCell(-1, CellCode, "second")
	require.NoError(t, nb.DeleteCell(0))
	require.Len(t, nb.Cells, 1)
	assert.Equal(t, "second", nb.Cells[0].Source)

	// Deleting the only cell leaves a fresh empty one.
	require.NoError(t, nb.DeleteCell(0))
	require.Len(t, nb.Cells, 1)
	assert.Empty(t, nb.Cells[0].Source)

	assert.Error(t, nb.DeleteCell(5))
	assert.Error(t, nb.DeleteCell(-1))
}

func TestMoveCell(t *testing.T) {
	nb := New()
	nb.Cells = []*Cell{NewCodeCell("a"), NewCodeCell("b"), NewCodeCell("c")}

	require.NoError(t, nb.MoveCell(2, 0))
	assert.Equal(t, []string{"c", "a", "b"}, sources(nb))

	require.NoError(t, nb.MoveCell(0, 2))
	assert.Equal(t, []string{"a", "b", "c"}, sources(nb))

	assert.Error(t, nb.MoveCell(0, 7))
}

func TestUpdateCell(t *testing.T) {
	nb := New()
	require.NoError(t, nb.UpdateCell(0, "y = 2"))
	assert.Equal(t, "y = 2", nb.Cells[0].Source)
	assert.Error(t, nb.UpdateCell(3, ""))
}

func TestApplyResultAndClear(t *testing.T) {
	nb := New()
	result := &protocol.ExecutionResult{
		Status:         protocol.StatusOK,
		ExecutionCount: 2,
		ExecutionTime:  "3.0ms",
		Outputs: []any{
			map[string]any{"output_type": "stream", "name": "stdout", "text": "hi\n"},
		},
	}
	require.NoError(t, nb.ApplyResult(0, result))
	cell := nb.Cells[0]
	require.Len(t, cell.Outputs, 1)
	require.NotNil(t, cell.ExecutionCount)
	assert.Equal(t, 2, *cell.ExecutionCount)
	assert.Equal(t, "3.0ms", cell.Metadata["execution_time"])

	nb.ClearAllOutputs()
	assert.Empty(t, cell.Outputs)
	assert.Nil(t, cell.ExecutionCount)

	nb.Cells = append(nb.Cells, NewMarkdownCell("# md"))
	assert.Error(t, nb.ApplyResult(1, result), "markdown cells hold no outputs")
}

func TestViewUsesStringSource(t *testing.T) {
	nb := New()
	nb.Cells[0].Source = "x = 1\nx"
	view := nb.View()
	cells := view["cells"].([]map[string]any)
	require.Len(t, cells, 1)
	assert.Equal(t, "x = 1\nx", cells[0]["source"])
	assert.Contains(t, cells[0], "outputs")
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nb.ipynb")
	nb := New()
	require.NoError(t, nb.Save(path))

	// No temporary droppings left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nb.ipynb", entries[0].Name())

	// Saved file loads back.
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Cells, 1)
}

func sources(nb *Notebook) []string {
	out := make([]string, len(nb.Cells))
	for i, c := range nb.Cells {
		out[i] = c.Source
	}
	return out
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ipynb")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

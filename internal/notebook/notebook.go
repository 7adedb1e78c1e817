// Package notebook implements the on-disk notebook document: an ordered
// list of code and markdown cells with outputs, stored in the standard
// notebook JSON format (nbformat 4).
//
// Fields this program does not understand are preserved byte-for-byte
// across a load/save cycle, so notebooks edited here stay compatible with
// other tools reading the same file.
package notebook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/morecompute/morecompute/internal/protocol"
)

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
)

// File format version written on save.
const (
	NBFormat      = 4
	NBFormatMinor = 5
)

// Cell is one notebook cell. Source is held as a single string in memory;
// the file format's list-of-lines form is converted on load and save.
type Cell struct {
	Type           string
	ID             string
	Source         string
	Metadata       map[string]any
	Outputs        []map[string]any
	ExecutionCount *int

	extra map[string]json.RawMessage
}

// NewCodeCell returns an empty code cell with a fresh id.
func NewCodeCell(source string) *Cell {
	return &Cell{
		Type:     CellCode,
		ID:       newCellID(),
		Source:   source,
		Metadata: map[string]any{},
		Outputs:  []map[string]any{},
	}
}

// NewMarkdownCell returns a markdown cell with a fresh id.
func NewMarkdownCell(source string) *Cell {
	return &Cell{
		Type:     CellMarkdown,
		ID:       newCellID(),
		Source:   source,
		Metadata: map[string]any{},
	}
}

func newCellID() string {
	return "cell-" + uuid.Must(uuid.NewV4()).String()
}

// ClearOutputs drops the cell's outputs and execution count. A no-op for
// markdown cells.
func (c *Cell) ClearOutputs() {
	if c.Type != CellCode {
		return
	}
	c.Outputs = []map[string]any{}
	c.ExecutionCount = nil
}

// UnmarshalJSON decodes a cell, normalizing list-form source and keeping
// unknown fields for the round-trip.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithMessage(err, "malformed cell")
	}
	c.extra = raw
	if err := takeField(raw, "cell_type", &c.Type); err != nil {
		return err
	}
	if err := takeField(raw, "id", &c.ID); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = newCellID()
	}
	if src, ok := raw["source"]; ok {
		delete(raw, "source")
		var err error
		if c.Source, err = decodeSource(src); err != nil {
			return err
		}
	}
	if err := takeField(raw, "metadata", &c.Metadata); err != nil {
		return err
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Type == CellCode {
		if err := takeField(raw, "outputs", &c.Outputs); err != nil {
			return err
		}
		if c.Outputs == nil {
			c.Outputs = []map[string]any{}
		}
		if err := takeField(raw, "execution_count", &c.ExecutionCount); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the cell in file format, source as a list of lines.
func (c *Cell) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+6)
	for k, v := range c.extra {
		out[k] = v
	}
	out["cell_type"] = c.Type
	out["id"] = c.ID
	out["source"] = sourceLines(c.Source)
	out["metadata"] = c.Metadata
	if c.Type == CellCode {
		out["outputs"] = c.Outputs
		out["execution_count"] = c.ExecutionCount
	}
	return json.Marshal(out)
}

func takeField[T any](raw map[string]json.RawMessage, key string, dst *T) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if err := json.Unmarshal(v, dst); err != nil {
		return errors.WithMessagef(err, "malformed cell field %q", key)
	}
	return nil
}

// decodeSource accepts both source forms the format allows: a single string
// or a list of line strings.
func decodeSource(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", errors.New("cell source must be a string or a list of strings")
	}
	return strings.Join(lines, ""), nil
}

// sourceLines splits source into the list-of-lines form, each line keeping
// its trailing newline, matching what other notebook tools write.
func sourceLines(source string) []string {
	if source == "" {
		return []string{}
	}
	lines := strings.SplitAfter(source, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Notebook is a notebook document.
type Notebook struct {
	Cells    []*Cell
	Metadata map[string]any

	extra map[string]json.RawMessage
}

// New returns a notebook with a single empty code cell, the state a fresh
// notebook opens in.
func New() *Notebook {
	return &Notebook{
		Cells:    []*Cell{NewCodeCell("")},
		Metadata: map[string]any{},
	}
}

// Load reads a notebook file. A notebook with no cells gets one empty code
// cell so the editor always has somewhere to type.
func Load(path string) (*Notebook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read notebook %q", path)
	}
	nb := &Notebook{}
	if err = json.Unmarshal(raw, nb); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse notebook %q", path)
	}
	if len(nb.Cells) == 0 {
		nb.Cells = []*Cell{NewCodeCell("")}
	}
	return nb, nil
}

// UnmarshalJSON decodes the document, keeping unknown top-level fields.
func (nb *Notebook) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithMessage(err, "malformed notebook")
	}
	nb.extra = raw
	if err := takeField(raw, "cells", &nb.Cells); err != nil {
		return err
	}
	if err := takeField(raw, "metadata", &nb.Metadata); err != nil {
		return err
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}
	// nbformat/nbformat_minor are rewritten on save; drop the loaded ones.
	delete(raw, "nbformat")
	delete(raw, "nbformat_minor")
	return nil
}

// MarshalJSON encodes the document in file format.
func (nb *Notebook) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(nb.extra)+4)
	for k, v := range nb.extra {
		out[k] = v
	}
	cells := nb.Cells
	if cells == nil {
		cells = []*Cell{}
	}
	out["cells"] = cells
	out["metadata"] = nb.Metadata
	out["nbformat"] = NBFormat
	out["nbformat_minor"] = NBFormatMinor
	return json.Marshal(out)
}

// Save writes the notebook atomically: the document lands complete or not
// at all, even if the process dies mid-write.
func (nb *Notebook) Save(path string) error {
	raw, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return errors.WithMessagef(err, "failed to encode notebook %q", path)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.WithMessagef(err, "failed to create temporary file in %q", dir)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return errors.WithMessagef(err, "failed to write notebook %q", path)
	}
	if err = tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return errors.WithMessagef(err, "failed to chmod notebook %q", path)
	}
	if err = tmp.Close(); err != nil {
		return errors.WithMessagef(err, "failed to write notebook %q", path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.WithMessagef(err, "failed to replace notebook %q", path)
	}
	return nil
}

// Cell returns the cell at index, bounds-checked.
func (nb *Notebook) Cell(index int) (*Cell, error) {
	if index < 0 || index >= len(nb.Cells) {
		return nil, errors.Errorf("cell index %d out of range, notebook has %d cells",
			index, len(nb.Cells))
	}
	return nb.Cells[index], nil
}

// AddCell inserts a cell of the given type at index; a negative index
// appends. It returns the new cell and the index it landed at.
func (nb *Notebook) AddCell(index int, cellType, source string) (*Cell, int) {
	var cell *Cell
	if cellType == CellMarkdown {
		cell = NewMarkdownCell(source)
	} else {
		cell = NewCodeCell(source)
	}
	if index < 0 || index > len(nb.Cells) {
		index = len(nb.Cells)
	}
	nb.Cells = append(nb.Cells, nil)
	copy(nb.Cells[index+1:], nb.Cells[index:])
	nb.Cells[index] = cell
	return cell, index
}

// InsertCell inserts an existing cell at index; a negative or out-of-range
// index appends. It returns the index the cell landed at. Used to restore a
// deleted cell verbatim, id and outputs included.
func (nb *Notebook) InsertCell(index int, cell *Cell) int {
	if index < 0 || index > len(nb.Cells) {
		index = len(nb.Cells)
	}
	nb.Cells = append(nb.Cells, nil)
	copy(nb.Cells[index+1:], nb.Cells[index:])
	nb.Cells[index] = cell
	return index
}

// DeleteCell removes the cell at index. Deleting the last remaining cell
// leaves a fresh empty one, the notebook is never cell-less.
func (nb *Notebook) DeleteCell(index int) error {
	if _, err := nb.Cell(index); err != nil {
		return err
	}
	nb.Cells = append(nb.Cells[:index], nb.Cells[index+1:]...)
	if len(nb.Cells) == 0 {
		nb.Cells = []*Cell{NewCodeCell("")}
	}
	return nil
}

// UpdateCell replaces the source of the cell at index.
func (nb *Notebook) UpdateCell(index int, source string) error {
	cell, err := nb.Cell(index)
	if err != nil {
		return err
	}
	cell.Source = source
	return nil
}

// MoveCell moves the cell at from to position to, shifting the cells in
// between.
func (nb *Notebook) MoveCell(from, to int) error {
	if _, err := nb.Cell(from); err != nil {
		return err
	}
	if _, err := nb.Cell(to); err != nil {
		return err
	}
	cell := nb.Cells[from]
	nb.Cells = append(nb.Cells[:from], nb.Cells[from+1:]...)
	nb.Cells = append(nb.Cells, nil)
	copy(nb.Cells[to+1:], nb.Cells[to:])
	nb.Cells[to] = cell
	return nil
}

// ClearAllOutputs clears outputs and execution counts on every code cell.
func (nb *Notebook) ClearAllOutputs() {
	for _, cell := range nb.Cells {
		cell.ClearOutputs()
	}
}

// ApplyResult stores a finished execution on the cell at index: outputs,
// execution count, and the elapsed time in the cell metadata.
func (nb *Notebook) ApplyResult(index int, result *protocol.ExecutionResult) error {
	cell, err := nb.Cell(index)
	if err != nil {
		return err
	}
	if cell.Type != CellCode {
		return errors.Errorf("cell %d is not a code cell", index)
	}
	outputs := make([]map[string]any, 0, len(result.Outputs))
	for _, out := range result.Outputs {
		if m, ok := out.(map[string]any); ok {
			outputs = append(outputs, m)
		}
	}
	cell.Outputs = outputs
	count := result.ExecutionCount
	cell.ExecutionCount = &count
	cell.Metadata["execution_time"] = result.ExecutionTime
	return nil
}

// View returns the notebook shaped for the browser: cells with string
// sources, as the front-end renders them.
func (nb *Notebook) View() map[string]any {
	cells := make([]map[string]any, len(nb.Cells))
	for i, cell := range nb.Cells {
		view := map[string]any{
			"cell_type": cell.Type,
			"id":        cell.ID,
			"source":    cell.Source,
			"metadata":  cell.Metadata,
		}
		if cell.Type == CellCode {
			view["outputs"] = cell.Outputs
			view["execution_count"] = cell.ExecutionCount
		}
		cells[i] = view
	}
	return map[string]any{
		"cells":    cells,
		"metadata": nb.Metadata,
	}
}

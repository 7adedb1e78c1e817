package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Inbound message types, sent by browser clients over the websocket.
const (
	ClientExecuteCell     = "execute_cell"
	ClientAddCell         = "add_cell"
	ClientDeleteCell      = "delete_cell"
	ClientUpdateCell      = "update_cell"
	ClientMoveCell        = "move_cell"
	ClientClearAllOutputs = "clear_all_outputs"
	ClientInterruptKernel = "interrupt_kernel"
	ClientResetKernel     = "reset_kernel"
	ClientLoadNotebook    = "load_notebook"
	ClientSaveNotebook    = "save_notebook"
)

// Outbound message types, sent by the server to browser clients. Execution
// events are relayed under the same names the worker publishes them with,
// except that stream and stream_update frames both surface as
// "stream_output".
const (
	ServerNotebookData    = "notebook_data"
	ServerNotebookUpdated = "notebook_updated"
	ServerNotebookSaved   = "notebook_saved"
	ServerStreamOutput    = "stream_output"
	ServerKernelRestarted = "kernel_restarted"
	ServerPodStatusUpdate = "pod_status_update"
	ServerError           = "error"
)

// ClientMessage is the envelope for inbound websocket messages. Data is left
// raw so each handler can decode its own payload shape.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage is the envelope for outbound websocket messages.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ParseClientMessage decodes the envelope of an inbound websocket frame.
func ParseClientMessage(raw []byte) (msg ClientMessage, err error) {
	if err = json.Unmarshal(raw, &msg); err != nil {
		err = errors.WithMessage(err, "malformed client message")
		return
	}
	if msg.Type == "" {
		err = errors.New("client message has no type")
	}
	return
}

// Decode unmarshals the message payload into out, reporting the message type
// on failure.
func (m *ClientMessage) Decode(out any) error {
	if len(m.Data) == 0 {
		return errors.Errorf("message %q carries no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return errors.WithMessagef(err, "malformed %q payload", m.Type)
	}
	return nil
}

// ExecuteCellRequest asks for the cell at the given index to be executed.
type ExecuteCellRequest struct {
	CellIndex int `json:"cell_index"`
}

// AddCellRequest inserts a new cell. A nil Index appends at the end. When
// Full carries a previously serialized cell, that cell is restored verbatim
// (identifier and outputs included), which is how clients implement undo of
// a deletion.
type AddCellRequest struct {
	Index    *int            `json:"index,omitempty"`
	CellType string          `json:"cell_type,omitempty"`
	Source   string          `json:"source,omitempty"`
	Full     json.RawMessage `json:"full,omitempty"`
}

// DeleteCellRequest removes the cell at the given index.
type DeleteCellRequest struct {
	CellIndex int `json:"cell_index"`
}

// UpdateCellRequest replaces the source of the cell at the given index.
type UpdateCellRequest struct {
	CellIndex int    `json:"cell_index"`
	Source    string `json:"source"`
}

// MoveCellRequest moves a cell from one index to another.
type MoveCellRequest struct {
	FromIndex int `json:"from_index"`
	ToIndex   int `json:"to_index"`
}

// InterruptRequest interrupts the running execution. A nil CellIndex targets
// whatever is currently running.
type InterruptRequest struct {
	CellIndex *int `json:"cell_index,omitempty"`
}

// LoadNotebookRequest loads a notebook from the given path. An empty path
// reloads the current notebook.
type LoadNotebookRequest struct {
	Path string `json:"path,omitempty"`
}

// ErrorData is the payload of outbound "error" messages.
type ErrorData struct {
	Message string `json:"message"`
}

// NotebookSavedData is the payload of outbound "notebook_saved" messages.
type NotebookSavedData struct {
	Path string `json:"path"`
}

// PodStatusData is the payload of outbound "pod_status_update" messages.
type PodStatusData struct {
	Provider string `json:"provider"`
	PodID    string `json:"pod_id"`
	Status   string `json:"status"`
	Terminal bool   `json:"terminal"`
}

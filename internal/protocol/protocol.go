// Package protocol defines the messages exchanged between the notebook
// server and the worker process, and the envelope used between the server
// and browser clients.
//
// The worker exposes two channels: a command channel (strict request/reply,
// one outstanding request at a time) and an event channel (publish only,
// worker to server). Both carry self-describing JSON records with a "type"
// field, framed as single ZeroMQ messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command types accepted by the worker on the command channel.
const (
	CmdPing        = "ping"
	CmdExecuteCell = "execute_cell"
	CmdInterrupt   = "interrupt"
	CmdShutdown    = "shutdown"
)

// Event types published by the worker on the event channel.
const (
	EventExecutionStart    = "execution_start"
	EventStream            = "stream"
	EventStreamUpdate      = "stream_update"
	EventExecuteResult     = "execute_result"
	EventDisplayData       = "display_data"
	EventExecutionError    = "execution_error"
	EventExecutionComplete = "execution_complete"
	EventHeartbeat         = "heartbeat"
)

// Stream names used by stream events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Execution statuses in ExecutionResult.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Default endpoints for the two worker channels. The remote bridge forwards
// the same endpoints through an SSH tunnel, bound to the local tunnel ports.
const (
	DefaultCmdAddr = "tcp://127.0.0.1:5555"
	DefaultPubAddr = "tcp://127.0.0.1:5556"

	TunnelCmdPort = 15555
	TunnelPubPort = 15556

	RemoteCmdPort = 5555
	RemotePubPort = 5556
)

// Environment variables used to point a worker at its channel endpoints.
const (
	EnvCmdAddr = "MC_ZMQ_CMD_ADDR"
	EnvPubAddr = "MC_ZMQ_PUB_ADDR"
)

// MIMEMap holds data that can be presented in multiple formats. The keys are
// MIME types and the values the payload formatted for that MIME type.
// Results always carry at least a "text/plain" entry; "image/png" entries
// carry base64-encoded bytes.
type MIMEMap = map[string]any

// Command is a request sent to the worker on the command channel.
// CellIndex is optional for interrupts: absent means "whatever is running".
type Command struct {
	Type           string `json:"type"`
	Code           string `json:"code,omitempty"`
	CellIndex      *int   `json:"cell_index,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`
}

// Reply is the worker's answer to a Command. Every command gets exactly one.
type Reply struct {
	OK    bool   `json:"ok"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrorPayload describes a user-visible execution error.
type ErrorPayload struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ExecutionResult summarizes a finished cell execution, attached to the
// final execution_complete event.
type ExecutionResult struct {
	Status         string        `json:"status"`
	ExecutionCount int           `json:"execution_count"`
	ExecutionTime  string        `json:"execution_time"`
	Outputs        []any         `json:"outputs"`
	Error          *ErrorPayload `json:"error"`
}

// Event is a record published by the worker on the event channel. Which
// fields are set depends on Type. Events for a given cell index are totally
// ordered; an execution_complete is always the last event of its cell.
type Event struct {
	Type           string           `json:"type"`
	CellIndex      *int             `json:"cell_index,omitempty"`
	Name           string           `json:"name,omitempty"`
	Text           string           `json:"text,omitempty"`
	ExecutionCount int              `json:"execution_count,omitempty"`
	Data           MIMEMap          `json:"data,omitempty"`
	Error          *ErrorPayload    `json:"error,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	Timestamp      float64          `json:"ts,omitempty"`
}

// Index returns a pointer to i, for the optional cell-index fields.
func Index(i int) *int {
	return &i
}

// Cell returns the event's cell index, or -1 if it carries none (heartbeats).
func (ev *Event) Cell() int {
	if ev.CellIndex == nil {
		return -1
	}
	return *ev.CellIndex
}

// IsBoundary reports whether the event delimits an execution: these events
// must never be dropped under backpressure, unlike progress ticks.
func (ev *Event) IsBoundary() bool {
	switch ev.Type {
	case EventExecutionStart, EventExecutionError, EventExecutionComplete:
		return true
	}
	return false
}

// Marshal encodes any protocol record to its wire form.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalCommand decodes a Command from its wire form.
func UnmarshalCommand(data []byte) (cmd Command, err error) {
	err = json.Unmarshal(data, &cmd)
	return
}

// UnmarshalEvent decodes an Event from its wire form.
func UnmarshalEvent(data []byte) (ev Event, err error) {
	err = json.Unmarshal(data, &ev)
	return
}

// UnmarshalReply decodes a Reply from its wire form.
func UnmarshalReply(data []byte) (reply Reply, err error) {
	err = json.Unmarshal(data, &reply)
	return
}

// FormatDuration renders an execution time the way the front-end expects it,
// e.g. "12.3ms".
func FormatDuration(seconds float64) string {
	return fmt.Sprintf("%.1fms", seconds*1000)
}

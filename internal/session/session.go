// Package session owns the live state of one open notebook: the document,
// the kernel driving its executions, and the execution counter. All notebook
// mutations go through the session, which serializes them under one lock and
// broadcasts the resulting state to connected clients.
package session

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/notebook"
	"github.com/morecompute/morecompute/internal/protocol"
)

// autosaveInterval is how often a dirty notebook is flushed to disk.
const autosaveInterval = 30 * time.Second

// Kernel is the slice of the kernel client the session drives.
type Kernel interface {
	Execute(cellIndex int, code string, executionCount int) error
	Interrupt(cellIndex *int) error
	Reset(ctx context.Context) error
	Connected() bool
}

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg protocol.ServerMessage)
}

// nopBroadcaster is used until a real one is attached.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(protocol.ServerMessage) {}

// Session is the single writer over one notebook document.
type Session struct {
	kernel    Kernel
	broadcast Broadcaster

	mu        sync.Mutex
	nb        *notebook.Notebook
	path      string
	execCount int
	dirty     bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a session over the notebook at path. A missing file starts an
// empty notebook that will be created on first save.
func New(path string, k Kernel) (*Session, error) {
	s := &Session{
		kernel:    k,
		broadcast: nopBroadcaster{},
		path:      path,
		stop:      make(chan struct{}),
	}
	nb, err := notebook.Load(path)
	switch {
	case err == nil:
		s.nb = nb
	case errors.Is(err, os.ErrNotExist):
		// A fresh notebook, created on first save.
		s.nb = notebook.New()
	default:
		return nil, err
	}
	go s.autosaveLoop()
	return s, nil
}

// WithBroadcaster attaches the client broadcaster. It returns the Session,
// so calls can be chained.
func (s *Session) WithBroadcaster(b Broadcaster) *Session {
	s.broadcast = b
	return s
}

// Path returns the notebook file path.
func (s *Session) Path() string {
	return s.path
}

// View returns the notebook shaped for the browser.
func (s *Session) View() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nb.View()
}

// ExecuteCell sends the cell at index to the kernel. The result arrives
// asynchronously through HandleEvent.
func (s *Session) ExecuteCell(index int) error {
	s.mu.Lock()
	cell, err := s.nb.Cell(index)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if cell.Type != notebook.CellCode {
		s.mu.Unlock()
		return errors.Errorf("cell %d is not a code cell", index)
	}
	s.execCount++
	count := s.execCount
	source := cell.Source
	s.mu.Unlock()

	if err = s.kernel.Execute(index, source, count); err != nil {
		return err
	}
	klog.V(1).Infof("session: executing cell %d (count %d)", index, count)
	return nil
}

// AddCell inserts a cell, saves, and broadcasts the updated notebook.
func (s *Session) AddCell(index int, cellType, source string) int {
	s.mu.Lock()
	_, at := s.nb.AddCell(index, cellType, source)
	s.mu.Unlock()
	s.persist()
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
	return at
}

// RestoreCell re-inserts a previously serialized cell verbatim, id and
// outputs included. This is how clients undo a deletion.
func (s *Session) RestoreCell(index int, full []byte) error {
	cell := &notebook.Cell{}
	if err := json.Unmarshal(full, cell); err != nil {
		return errors.WithMessage(err, "malformed cell to restore")
	}
	s.mu.Lock()
	s.nb.InsertCell(index, cell)
	s.mu.Unlock()
	s.persist()
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
	return nil
}

// DeleteCell removes a cell, saves, and broadcasts the updated notebook.
func (s *Session) DeleteCell(index int) error {
	s.mu.Lock()
	err := s.nb.DeleteCell(index)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.persist()
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
	return nil
}

// UpdateCell replaces a cell's source. Updates are frequent (every
// keystroke batch), so they mark the notebook dirty without broadcasting:
// the editing client already has the text.
func (s *Session) UpdateCell(index int, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nb.UpdateCell(index, source); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// MoveCell moves a cell, saves, and broadcasts the updated notebook.
func (s *Session) MoveCell(from, to int) error {
	s.mu.Lock()
	err := s.nb.MoveCell(from, to)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.persist()
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
	return nil
}

// ClearAllOutputs clears every code cell's outputs and broadcasts the
// updated notebook.
func (s *Session) ClearAllOutputs() {
	s.mu.Lock()
	s.nb.ClearAllOutputs()
	s.dirty = true
	s.mu.Unlock()
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
}

// Interrupt stops the in-flight execution. A non-nil cellIndex only takes
// effect when that cell is the one running.
func (s *Session) Interrupt(cellIndex *int) error {
	return s.kernel.Interrupt(cellIndex)
}

// ResetKernel restarts the kernel with a fresh namespace: the execution
// counter resets, every output is cleared, and clients get the restart
// notice followed by the cleared notebook.
func (s *Session) ResetKernel(ctx context.Context) error {
	if err := s.kernel.Reset(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.execCount = 0
	s.nb.ClearAllOutputs()
	s.dirty = true
	s.mu.Unlock()
	s.broadcast.Broadcast(protocol.ServerMessage{
		Type: protocol.ServerKernelRestarted,
		Data: map[string]any{},
	})
	s.broadcastNotebook(protocol.ServerNotebookUpdated)
	return nil
}

// Save writes the notebook to disk and broadcasts the save.
func (s *Session) Save() error {
	s.mu.Lock()
	nb, path := s.nb, s.path
	s.mu.Unlock()
	if err := nb.Save(path); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.broadcast.Broadcast(protocol.ServerMessage{
		Type: protocol.ServerNotebookSaved,
		Data: protocol.NotebookSavedData{Path: path},
	})
	klog.V(1).Infof("session: saved %s", path)
	return nil
}

// Load replaces the document with the notebook at path (the current one when
// path is empty) and broadcasts the full notebook.
func (s *Session) Load(path string) error {
	s.mu.Lock()
	if path == "" {
		path = s.path
	}
	s.mu.Unlock()
	nb, err := notebook.Load(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.nb = nb
	s.path = path
	s.dirty = false
	s.mu.Unlock()
	s.broadcastNotebook(protocol.ServerNotebookData)
	return nil
}

// Dirty reports whether the document has unsaved changes.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// HandleEvent consumes one kernel event: it updates the document and relays
// the event to clients. This is the kernel client's event sink.
func (s *Session) HandleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventExecutionStart:
		s.mu.Lock()
		if cell, err := s.nb.Cell(ev.Cell()); err == nil {
			cell.ClearOutputs()
		}
		s.mu.Unlock()
	case protocol.EventExecutionComplete:
		if ev.Result != nil {
			s.mu.Lock()
			if err := s.nb.ApplyResult(ev.Cell(), ev.Result); err != nil {
				klog.Warningf("session: cannot store result for cell %d: %v", ev.Cell(), err)
			} else {
				s.dirty = true
			}
			s.mu.Unlock()
		}
	}
	s.broadcast.Broadcast(protocol.ServerMessage{Type: clientEventType(ev.Type), Data: ev})
}

// clientEventType maps worker event types onto the names clients know.
// Stream writes and their in-place updates both surface as stream_output,
// and rich display output is delivered as an execute_result frame.
func clientEventType(workerType string) string {
	switch workerType {
	case protocol.EventStream, protocol.EventStreamUpdate:
		return protocol.ServerStreamOutput
	case protocol.EventDisplayData:
		return protocol.EventExecuteResult
	default:
		return workerType
	}
}

// persist writes the notebook after a structural edit. Unlike Save it does
// not announce the save: the notebook_updated broadcast that follows carries
// the new state.
func (s *Session) persist() {
	s.mu.Lock()
	nb, path := s.nb, s.path
	s.mu.Unlock()
	if err := nb.Save(path); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		klog.Warningf("session: save after edit failed: %+v", err)
		return
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

func (s *Session) broadcastNotebook(msgType string) {
	s.broadcast.Broadcast(protocol.ServerMessage{Type: msgType, Data: s.View()})
}

func (s *Session) autosaveLoop() {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.Dirty() {
				continue
			}
			if err := s.Save(); err != nil {
				klog.Warningf("session: autosave failed: %+v", err)
			}
		}
	}
}

// Close stops the autosave loop, flushing pending changes first.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.Dirty() {
			if err := s.Save(); err != nil {
				klog.Warningf("session: final save failed: %+v", err)
			}
		}
	})
}

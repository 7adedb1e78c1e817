// Package server exposes the notebook over HTTP: a websocket endpoint for
// the notebook UI and a small REST surface for GPU provider operations.
// Every connected client sees the same session; state-changing messages are
// broadcast so all clients stay in sync.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/common"
	"github.com/morecompute/morecompute/internal/protocol"
	"github.com/morecompute/morecompute/internal/providers"
	"github.com/morecompute/morecompute/internal/remote"
	"github.com/morecompute/morecompute/internal/session"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a client may stay silent before it is dropped;
	// pings go out at pingPeriod to keep honest clients alive.
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	// sendBuffer is the per-client outbound queue; slow clients that fall
	// this far behind are disconnected.
	sendBuffer = 256
)

// Server serves one notebook session to any number of clients.
type Server struct {
	session  *session.Session
	registry *providers.Registry
	bridge   *remote.Bridge
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	offers   offerCache
	monitors monitorSet

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a server over the session and wires itself in as the
// session's broadcaster.
func New(sess *session.Session, registry *providers.Registry) *Server {
	s := &Server{
		session:  sess,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is served from the same origin; tools like wscat
			// carry no Origin header at all.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*wsClient]struct{}{},
		stop:    make(chan struct{}),
	}
	sess.WithBroadcaster(s)
	return s
}

// WithBridge attaches the remote bridge when executions run on a remote
// machine, enabling the worker-logs route. It returns the Server, so calls
// can be chained.
func (s *Server) WithBridge(b *remote.Bridge) *Server {
	s.bridge = b
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.registerGPURoutes(mux)
	return mux
}

// Close disconnects every client and stops background work.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.monitors.stopAll()
		s.mu.Lock()
		for c := range s.clients {
			c.close()
		}
		s.clients = map[*wsClient]struct{}{}
		s.mu.Unlock()
	})
}

// Broadcast sends a message to every connected client. A client whose queue
// is full has progress events (stream output and the like) shed instead of
// stalling everyone else; a client too slow even for messages that must
// arrive, execution boundaries included, is dropped.
func (s *Server) Broadcast(msg protocol.ServerMessage) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		klog.Errorf("server: failed to encode %s broadcast: %+v", msg.Type, err)
		return
	}
	sheddable := isProgress(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if common.SendNoBlock(c.send, raw) == 0 {
			continue
		}
		if sheddable {
			klog.V(2).Infof("server: shedding %s for slow client %s", msg.Type, c.conn.RemoteAddr())
			continue
		}
		klog.Warningf("server: dropping slow client %s", c.conn.RemoteAddr())
		delete(s.clients, c)
		c.close()
	}
}

// isProgress reports whether a broadcast may be shed for a client that
// cannot keep up. Only intermediate execution events qualify; boundary
// events and notebook state updates always go through.
func isProgress(msg protocol.ServerMessage) bool {
	ev, ok := msg.Data.(protocol.Event)
	return ok && !ev.IsBoundary()
}

// wsClient is one connected websocket.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("server: websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	klog.V(1).Infof("server: client %s connected (%d total)", conn.RemoteAddr(), count)

	go s.writePump(client)
	// A fresh client starts from the full notebook.
	s.sendTo(client, protocol.ServerMessage{
		Type: protocol.ServerNotebookData,
		Data: s.session.View(),
	})
	s.readLoop(client)
}

func (s *Server) sendTo(c *wsClient, msg protocol.ServerMessage) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		klog.Errorf("server: failed to encode %s message: %+v", msg.Type, err)
		return
	}
	if common.SendNoBlock(c.send, raw) != 0 {
		klog.Warningf("server: dropping slow client %s", c.conn.RemoteAddr())
		s.drop(c)
	}
}

func (s *Server) sendError(c *wsClient, message string) {
	s.sendTo(c, protocol.ServerMessage{
		Type: protocol.ServerError,
		Data: protocol.ErrorData{Message: message},
	})
}

func (s *Server) drop(c *wsClient) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if present {
		c.close()
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *wsClient) {
	defer s.drop(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			klog.V(1).Infof("server: client %s disconnected: %v", c.conn.RemoteAddr(), err)
			return
		}
		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			s.sendError(c, err.Error())
			continue
		}
		// Handlers may block on the kernel; dispatching on a goroutine
		// keeps one slow operation from freezing the client's inbound
		// queue (an interrupt must get through during an execution).
		go s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *wsClient, msg protocol.ClientMessage) {
	if err := s.handleMessage(c, msg); err != nil {
		klog.V(1).Infof("server: %s failed: %v", msg.Type, err)
		s.sendError(c, err.Error())
	}
}

func (s *Server) handleMessage(c *wsClient, msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.ClientExecuteCell:
		var req protocol.ExecuteCellRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.session.ExecuteCell(req.CellIndex)
	case protocol.ClientAddCell:
		var req protocol.AddCellRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		index := -1
		if req.Index != nil {
			index = *req.Index
		}
		if len(req.Full) > 0 {
			return s.session.RestoreCell(index, req.Full)
		}
		s.session.AddCell(index, req.CellType, req.Source)
		return nil
	case protocol.ClientDeleteCell:
		var req protocol.DeleteCellRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.session.DeleteCell(req.CellIndex)
	case protocol.ClientUpdateCell:
		var req protocol.UpdateCellRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.session.UpdateCell(req.CellIndex, req.Source)
	case protocol.ClientMoveCell:
		var req protocol.MoveCellRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.session.MoveCell(req.FromIndex, req.ToIndex)
	case protocol.ClientClearAllOutputs:
		s.session.ClearAllOutputs()
		return nil
	case protocol.ClientInterruptKernel:
		req := protocol.InterruptRequest{}
		if len(msg.Data) > 0 {
			if err := msg.Decode(&req); err != nil {
				return err
			}
		}
		return s.session.Interrupt(req.CellIndex)
	case protocol.ClientResetKernel:
		return s.session.ResetKernel(context.Background())
	case protocol.ClientLoadNotebook:
		req := protocol.LoadNotebookRequest{}
		if len(msg.Data) > 0 {
			if err := msg.Decode(&req); err != nil {
				return err
			}
		}
		return s.session.Load(req.Path)
	case protocol.ClientSaveNotebook:
		return s.session.Save()
	default:
		s.sendError(c, "unknown message type "+msg.Type)
		return nil
	}
}

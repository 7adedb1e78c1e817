// Package worker implements the interpreter worker process. It owns the
// persistent namespace and serves two ZeroMQ channels: a reply socket for
// commands (ping, execute_cell, interrupt, shutdown) and a publish socket
// for execution events and heartbeats.
//
// The command loop never blocks on execution: cells run on their own
// goroutine so an interrupt command can land while a cell is running. At
// most one cell executes at a time.
package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/interp"
	"github.com/morecompute/morecompute/internal/protocol"
)

// heartbeatIdle is how long the event channel may stay silent before the
// worker publishes a heartbeat, so the client side can tell "idle" from
// "dead".
const heartbeatIdle = 5 * time.Second

// Worker serves the command and event channels of one interpreter process.
type Worker struct {
	ns  *interp.Namespace
	dir string

	cmdSock zmq4.Socket
	pub     *syncPub

	// stop is closed when the worker is shutting down.
	stop     chan struct{}
	stopOnce sync.Once

	// mu guards the fields of the running execution.
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	cell    *int
}

// New creates a worker bound to the given command and event endpoints.
func New(ctx context.Context, cmdAddr, pubAddr string) (*Worker, error) {
	w := &Worker{
		ns:   interp.NewNamespace(),
		stop: make(chan struct{}),
	}
	if dir, err := os.Getwd(); err == nil {
		w.dir = dir
	}
	w.cmdSock = zmq4.NewRep(ctx)
	if err := w.cmdSock.Listen(cmdAddr); err != nil {
		return nil, errors.WithMessagef(err, "worker failed to bind command channel %q", cmdAddr)
	}
	pubSock := zmq4.NewPub(ctx)
	if err := pubSock.Listen(pubAddr); err != nil {
		_ = w.cmdSock.Close()
		return nil, errors.WithMessagef(err, "worker failed to bind event channel %q", pubAddr)
	}
	w.pub = &syncPub{sock: pubSock, last: time.Now()}
	klog.V(1).Infof("worker pid=%d listening: cmd=%s events=%s", os.Getpid(), cmdAddr, pubAddr)
	return w, nil
}

// CmdAddr returns the bound address of the command channel, useful when the
// worker was bound to an ephemeral port.
func (w *Worker) CmdAddr() string {
	return "tcp://" + w.cmdSock.Addr().String()
}

// PubAddr returns the bound address of the event channel.
func (w *Worker) PubAddr() string {
	return "tcp://" + w.pub.sock.Addr().String()
}

// Run serves commands until a shutdown command arrives or Stop is called.
func (w *Worker) Run() error {
	go w.heartbeatLoop()
	defer w.Stop()
	for {
		msg, err := w.cmdSock.Recv()
		if err != nil {
			if w.IsStopped() {
				return nil
			}
			return errors.WithMessage(err, "worker command channel failed")
		}
		cmd, err := protocol.UnmarshalCommand(msg.Bytes())
		if err != nil {
			klog.Warningf("worker: dropping malformed command: %v", err)
			w.reply(protocol.Reply{OK: false, Error: "malformed command"})
			continue
		}
		klog.V(2).Infof("worker: command %q", cmd.Type)
		if shutdown := w.dispatch(cmd); shutdown {
			return nil
		}
	}
}

// dispatch handles one command and sends its reply. It returns true when the
// worker should shut down.
func (w *Worker) dispatch(cmd protocol.Command) bool {
	switch cmd.Type {
	case protocol.CmdPing:
		w.reply(protocol.Reply{OK: true, PID: os.Getpid()})
	case protocol.CmdExecuteCell:
		w.reply(w.startExecution(cmd))
	case protocol.CmdInterrupt:
		w.interrupt(cmd.CellIndex)
		w.reply(protocol.Reply{OK: true, PID: os.Getpid()})
	case protocol.CmdShutdown:
		w.reply(protocol.Reply{OK: true, PID: os.Getpid()})
		w.Stop()
		return true
	default:
		w.reply(protocol.Reply{OK: false, Error: "unknown command " + cmd.Type})
	}
	return false
}

// startExecution launches the cell on its own goroutine and replies
// immediately, keeping the command channel responsive for interrupts.
func (w *Worker) startExecution(cmd protocol.Command) protocol.Reply {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return protocol.Reply{OK: false, Error: "an execution is already running"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.cell = cmd.CellIndex
	go w.execute(ctx, cmd)
	return protocol.Reply{OK: true, PID: os.Getpid()}
}

func (w *Worker) execute(ctx context.Context, cmd protocol.Command) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.cell = nil
		w.mu.Unlock()
	}()
	cell := cmd.CellIndex
	w.publish(protocol.Event{
		Type:           protocol.EventExecutionStart,
		CellIndex:      cell,
		ExecutionCount: cmd.ExecutionCount,
	})
	emitter := &cellEmitter{w: w, cell: cell}
	outcome := interp.New(w.ns).WithEmitter(emitter).WithDir(w.dir).
		Execute(ctx, cmd.Code, cmd.ExecutionCount)
	if outcome.Err != nil {
		w.publish(protocol.Event{
			Type:      protocol.EventExecutionError,
			CellIndex: cell,
			Error:     outcome.Err.Payload(),
		})
	}
	w.publish(protocol.Event{
		Type:      protocol.EventExecutionComplete,
		CellIndex: cell,
		Result:    outcome.Result(),
	})
}

// interrupt cancels the running execution, if any. A non-nil target only
// interrupts when that cell is the one running; interrupting an idle worker
// or naming some other cell is a no-op.
func (w *Worker) interrupt(target *int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	if target != nil && (w.cell == nil || *w.cell != *target) {
		klog.V(1).Infof("worker: ignoring interrupt for cell %d, not running", *target)
		return
	}
	klog.V(1).Info("worker: interrupting execution")
	w.cancel()
}

func (w *Worker) reply(r protocol.Reply) {
	raw, err := protocol.Marshal(r)
	if err != nil {
		klog.Errorf("worker: failed to encode reply: %+v", err)
		return
	}
	if err = w.cmdSock.Send(zmq4.NewMsg(raw)); err != nil && !w.IsStopped() {
		klog.Errorf("worker: failed to send reply: %+v", err)
	}
}

func (w *Worker) publish(ev protocol.Event) {
	if err := w.pub.publish(ev); err != nil && !w.IsStopped() {
		klog.Errorf("worker: failed to publish %s event: %+v", ev.Type, err)
	}
}

// heartbeatLoop publishes a heartbeat whenever the event channel has been
// silent for heartbeatIdle.
func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if w.pub.idleFor() < heartbeatIdle {
				continue
			}
			w.publish(protocol.Event{
				Type:      protocol.EventHeartbeat,
				Timestamp: float64(time.Now().UnixMilli()) / 1000,
			})
		}
	}
}

// Stop shuts the worker down: both channels close immediately and any
// running execution is interrupted. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if err := w.cmdSock.Close(); err != nil {
			klog.V(1).Infof("worker: closing command socket: %v", err)
		}
		if err := w.pub.close(); err != nil {
			klog.V(1).Infof("worker: closing event socket: %v", err)
		}
		w.interrupt(nil)
	})
}

// IsStopped reports whether Stop has been called.
func (w *Worker) IsStopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// StoppedChan returns the channel closed when the worker stops.
func (w *Worker) StoppedChan() <-chan struct{} {
	return w.stop
}

// syncPub serializes writes to the publish socket. Events come from the
// execution goroutine and heartbeats from the heartbeat loop, and ZeroMQ
// sockets are not safe for concurrent sends.
type syncPub struct {
	mu   sync.Mutex
	sock zmq4.Socket
	last time.Time
}

func (p *syncPub) publish(ev protocol.Event) error {
	raw, err := protocol.Marshal(ev)
	if err != nil {
		return errors.WithMessagef(err, "encoding %s event", ev.Type)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = time.Now()
	return p.sock.Send(zmq4.NewMsg(raw))
}

func (p *syncPub) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.last)
}

func (p *syncPub) close() error {
	return p.sock.Close()
}

// cellEmitter publishes interpreter outputs as events of one cell.
type cellEmitter struct {
	w    *Worker
	cell *int
}

func (e *cellEmitter) Stream(name, text string) {
	e.w.publish(protocol.Event{
		Type:      protocol.EventStream,
		CellIndex: e.cell,
		Name:      name,
		Text:      text,
	})
}

func (e *cellEmitter) StreamUpdate(name, text string) {
	e.w.publish(protocol.Event{
		Type:      protocol.EventStreamUpdate,
		CellIndex: e.cell,
		Name:      name,
		Text:      text,
	})
}

func (e *cellEmitter) Display(data map[string]any) {
	e.w.publish(protocol.Event{
		Type:      protocol.EventDisplayData,
		CellIndex: e.cell,
		Data:      data,
	})
}

func (e *cellEmitter) Result(data map[string]any, executionCount int) {
	e.w.publish(protocol.Event{
		Type:           protocol.EventExecuteResult,
		CellIndex:      e.cell,
		Data:           data,
		ExecutionCount: executionCount,
	})
}

var _ interp.Emitter = (*cellEmitter)(nil)

// Package kernel manages the interpreter worker from the server side: it
// spawns (or connects to) the worker process, sends it commands, watches its
// health, and forwards its event stream.
//
// The client survives worker crashes: a dead worker is detected by ping
// failure or process exit, the in-flight execution (if any) is failed with a
// connection-lost error, and in local mode a fresh worker is spawned with an
// empty namespace.
package kernel

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/common"
	"github.com/morecompute/morecompute/internal/protocol"
)

var (
	// ErrBackendDown is returned when no worker is connected.
	ErrBackendDown = errors.New("kernel backend is not running")
	// ErrAlreadyRunning is returned when an execution is requested while
	// another is still in flight.
	ErrAlreadyRunning = errors.New("an execution is already in flight")
)

const (
	// pingInterval and pingTimeout control the liveness probe.
	pingInterval = 500 * time.Millisecond
	pingTimeout  = 500 * time.Millisecond
	// pingFailures is how many consecutive probe failures mean "dead".
	pingFailures = 2

	// commandTimeout bounds ordinary command round-trips.
	commandTimeout = 2 * time.Second

	// spawnProbes and spawnProbeDelay bound how long a freshly spawned
	// worker gets to come up.
	spawnProbes     = 50
	spawnProbeDelay = 100 * time.Millisecond

	// interruptEscalation is how long an interrupted execution gets to
	// wind down before the worker is killed and respawned.
	interruptEscalation = 5 * time.Second
)

// EventSink receives worker events as they arrive, heartbeats excluded.
type EventSink func(ev protocol.Event)

// conn bundles one live connection to a worker. A fresh conn is built on
// every (re)connect, so goroutines of a dead connection can recognize they
// are stale.
type conn struct {
	cmdAddr, pubAddr string
	req, sub         zmq4.Socket
	replies          chan []byte
	closed           *common.Latch

	// proc is the worker process in local mode, nil when connected to a
	// remote worker. procDone latches the process exit, so the watch loop
	// and killProcess can both observe it.
	proc     *exec.Cmd
	procDone *common.LatchWithValue[error]
}

func (c *conn) close() {
	if !c.closed.Test() {
		c.closed.Trigger()
		_ = c.req.Close()
		_ = c.sub.Close()
	}
}

// Client drives one worker. Create it with New, then StartLocal or
// ConnectRemote.
type Client struct {
	sink      EventSink
	onRestart func()
	onDown    func()
	// restarter replaces the default kill-and-respawn behavior, used when
	// the worker lives on a remote machine.
	restarter func(ctx context.Context) error

	// reqMu serializes command round-trips: the request socket is strict
	// request/reply.
	reqMu sync.Mutex

	// mu guards everything below.
	mu        sync.Mutex
	conn      *conn
	remote    bool
	executing bool
	execCell  int
	execDone  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a client forwarding worker events to sink.
func New(sink EventSink) *Client {
	return &Client{
		sink: sink,
		stop: make(chan struct{}),
	}
}

// WithOnRestart sets a callback invoked after the worker has been respawned,
// either by Reset or after a crash. It returns the Client, so calls can be
// chained.
func (k *Client) WithOnRestart(fn func()) *Client {
	k.onRestart = fn
	return k
}

// WithOnDown sets a callback invoked when the connection to the worker is
// lost and cannot be re-established locally. It returns the Client, so calls
// can be chained.
func (k *Client) WithOnDown(fn func()) *Client {
	k.onDown = fn
	return k
}

// WithRestarter overrides how a dead or reset worker is brought back, used
// for workers reached through the remote bridge. It returns the Client, so
// calls can be chained.
func (k *Client) WithRestarter(fn func(ctx context.Context) error) *Client {
	k.restarter = fn
	return k
}

// StartLocal spawns a worker process on the default local endpoints and
// connects to it.
func (k *Client) StartLocal(ctx context.Context) error {
	return k.startLocal(ctx, protocol.DefaultCmdAddr, protocol.DefaultPubAddr)
}

func (k *Client) startLocal(ctx context.Context, cmdAddr, pubAddr string) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.WithMessage(err, "cannot locate own binary to spawn worker")
	}
	cmd := exec.Command(exe, "--worker")
	cmd.Env = append(os.Environ(),
		protocol.EnvCmdAddr+"="+cmdAddr,
		protocol.EnvPubAddr+"="+pubAddr,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err = cmd.Start(); err != nil {
		return errors.WithMessage(err, "failed to spawn worker process")
	}
	klog.V(1).Infof("kernel: spawned worker pid=%d", cmd.Process.Pid)

	c, err := k.connect(ctx, cmdAddr, pubAddr)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return err
	}
	c.proc = cmd
	c.procDone = common.NewLatchWithValue[error]()
	go func() {
		c.procDone.Trigger(cmd.Wait())
	}()
	k.mu.Lock()
	k.remote = false
	k.mu.Unlock()
	k.install(c)
	return nil
}

// ConnectRemote connects to a worker that is already running, typically
// through tunneled endpoints. The worker's lifecycle is not managed here.
func (k *Client) ConnectRemote(ctx context.Context, cmdAddr, pubAddr string) error {
	c, err := k.connect(ctx, cmdAddr, pubAddr)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.remote = true
	k.mu.Unlock()
	k.install(c)
	return nil
}

// connect dials both channels and probes the worker until it answers.
func (k *Client) connect(ctx context.Context, cmdAddr, pubAddr string) (*conn, error) {
	c := &conn{
		cmdAddr: cmdAddr,
		pubAddr: pubAddr,
		req:     zmq4.NewReq(ctx),
		sub:     zmq4.NewSub(ctx),
		replies: make(chan []byte, 1),
		closed:  common.NewLatch(),
	}
	if err := c.req.Dial(cmdAddr); err != nil {
		return nil, errors.WithMessagef(err, "failed to dial worker command channel %q", cmdAddr)
	}
	if err := c.sub.Dial(pubAddr); err != nil {
		c.close()
		return nil, errors.WithMessagef(err, "failed to dial worker event channel %q", pubAddr)
	}
	if err := c.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.close()
		return nil, errors.WithMessage(err, "failed to subscribe to worker events")
	}
	go k.replyLoop(c)

	// A spawned worker needs a moment to bind; probe until it answers.
	var lastErr error
	for probe := 0; probe < spawnProbes; probe++ {
		if ctx.Err() != nil {
			c.close()
			return nil, errors.WithMessage(ctx.Err(), "canceled while probing worker")
		}
		if _, lastErr = k.roundTripOn(c, protocol.Command{Type: protocol.CmdPing}, pingTimeout); lastErr == nil {
			return c, nil
		}
		time.Sleep(spawnProbeDelay)
	}
	c.close()
	return nil, errors.WithMessagef(lastErr, "worker at %q did not answer after %d probes",
		cmdAddr, spawnProbes)
}

// install makes c the live connection and starts its watch goroutines.
func (k *Client) install(c *conn) {
	k.mu.Lock()
	old := k.conn
	k.conn = c
	k.mu.Unlock()
	if old != nil {
		old.close()
	}
	go k.eventLoop(c)
	go k.watchLoop(c)
	klog.V(1).Infof("kernel: connected to worker cmd=%s events=%s", c.cmdAddr, c.pubAddr)
}

// replyLoop drains the request socket into the replies channel, so command
// round-trips can time out instead of blocking forever on a dead worker.
func (k *Client) replyLoop(c *conn) {
	for {
		msg, err := c.req.Recv()
		if err != nil {
			return
		}
		select {
		case c.replies <- msg.Bytes():
		case <-c.closed.WaitChan():
			return
		}
	}
}

// eventLoop forwards worker events to the sink and tracks execution state.
func (k *Client) eventLoop(c *conn) {
	for {
		msg, err := c.sub.Recv()
		if err != nil {
			return
		}
		ev, err := protocol.UnmarshalEvent(msg.Bytes())
		if err != nil {
			klog.Warningf("kernel: dropping malformed event: %v", err)
			continue
		}
		if ev.Type == protocol.EventHeartbeat {
			klog.V(3).Info("kernel: worker heartbeat")
			continue
		}
		if ev.Type == protocol.EventExecutionComplete {
			k.finishExecution()
		}
		if k.sink != nil {
			k.sink(ev)
		}
	}
}

// watchLoop probes the worker and watches the local process, declaring the
// connection lost on sustained ping failure or process exit.
func (k *Client) watchLoop(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		var procDone <-chan struct{}
		if c.procDone != nil {
			procDone = c.procDone.WaitChan()
		}
		select {
		case <-k.stop:
			return
		case <-c.closed.WaitChan():
			return
		case <-procDone:
			klog.Warningf("kernel: worker process exited: %v", c.procDone.Wait())
			k.connectionLost(c)
			return
		case <-ticker.C:
			if _, err := k.roundTripOn(c, protocol.Command{Type: protocol.CmdPing}, pingTimeout); err != nil {
				failures++
				klog.V(2).Infof("kernel: ping failure %d/%d: %v", failures, pingFailures, err)
				if failures >= pingFailures {
					k.connectionLost(c)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// roundTripOn sends one command on c and waits for its reply.
func (k *Client) roundTripOn(c *conn, cmd protocol.Command, timeout time.Duration) (protocol.Reply, error) {
	k.reqMu.Lock()
	defer k.reqMu.Unlock()
	raw, err := protocol.Marshal(cmd)
	if err != nil {
		return protocol.Reply{}, errors.WithMessagef(err, "encoding %s command", cmd.Type)
	}
	// Drop a reply stranded by an earlier timeout, the socket alternates
	// strictly.
	select {
	case <-c.replies:
	default:
	}
	if err = c.req.Send(zmq4.NewMsg(raw)); err != nil {
		return protocol.Reply{}, errors.WithMessagef(err, "sending %s command", cmd.Type)
	}
	select {
	case raw := <-c.replies:
		reply, err := protocol.UnmarshalReply(raw)
		if err != nil {
			return protocol.Reply{}, errors.WithMessagef(err, "decoding %s reply", cmd.Type)
		}
		return reply, nil
	case <-time.After(timeout):
		return protocol.Reply{}, errors.Errorf("worker did not answer %s within %s", cmd.Type, timeout)
	case <-c.closed.WaitChan():
		return protocol.Reply{}, ErrBackendDown
	}
}

// roundTrip sends one command on the live connection.
func (k *Client) roundTrip(cmd protocol.Command, timeout time.Duration) (protocol.Reply, error) {
	k.mu.Lock()
	c := k.conn
	k.mu.Unlock()
	if c == nil {
		return protocol.Reply{}, ErrBackendDown
	}
	return k.roundTripOn(c, cmd, timeout)
}

// Execute asks the worker to run a cell. It returns once the worker has
// accepted the execution; results arrive through the event sink. At most
// one execution may be in flight.
func (k *Client) Execute(cellIndex int, code string, executionCount int) error {
	k.mu.Lock()
	if k.conn == nil {
		k.mu.Unlock()
		return ErrBackendDown
	}
	if k.executing {
		k.mu.Unlock()
		return ErrAlreadyRunning
	}
	k.executing = true
	k.execCell = cellIndex
	k.execDone = make(chan struct{})
	k.mu.Unlock()

	reply, err := k.roundTrip(protocol.Command{
		Type:           protocol.CmdExecuteCell,
		Code:           code,
		CellIndex:      protocol.Index(cellIndex),
		ExecutionCount: executionCount,
	}, commandTimeout)
	if err != nil {
		k.finishExecution()
		return errors.WithMessage(err, "failed to start execution")
	}
	if !reply.OK {
		k.finishExecution()
		if reply.Error == "an execution is already running" {
			return ErrAlreadyRunning
		}
		return errors.Errorf("worker rejected execution: %s", reply.Error)
	}
	return nil
}

// Executing reports whether an execution is in flight.
func (k *Client) Executing() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executing
}

func (k *Client) finishExecution() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.executing {
		k.executing = false
		close(k.execDone)
	}
}

// Interrupt stops the in-flight execution. A non-nil cellIndex only takes
// effect when that cell is the one running; otherwise the command is a
// no-op on the worker side. When an execution was actually targeted, the
// worker gets interruptEscalation to wind down cooperatively; after that it
// is killed and respawned.
func (k *Client) Interrupt(cellIndex *int) error {
	k.mu.Lock()
	executing, done := k.executing, k.execDone
	targeted := executing && (cellIndex == nil || *cellIndex == k.execCell)
	k.mu.Unlock()

	reply, err := k.roundTrip(protocol.Command{
		Type:      protocol.CmdInterrupt,
		CellIndex: cellIndex,
	}, commandTimeout)
	if err != nil {
		return errors.WithMessage(err, "failed to interrupt")
	}
	if !reply.OK {
		return errors.Errorf("worker rejected interrupt: %s", reply.Error)
	}
	if !targeted {
		return nil
	}
	go func() {
		select {
		case <-done:
		case <-k.stop:
		case <-time.After(interruptEscalation):
			klog.Warningf("kernel: execution survived interrupt for %s, restarting worker",
				interruptEscalation)
			if err := k.Reset(context.Background()); err != nil {
				klog.Errorf("kernel: failed to restart stuck worker: %+v", err)
			}
		}
	}()
	return nil
}

// Reset restarts the worker, discarding the namespace. The in-flight
// execution, if any, is failed with a connection-lost error.
func (k *Client) Reset(ctx context.Context) error {
	k.mu.Lock()
	c := k.conn
	k.conn = nil
	k.mu.Unlock()
	if c != nil {
		// Ask nicely first, then make sure.
		_, _ = k.roundTripOn(c, protocol.Command{Type: protocol.CmdShutdown}, time.Second)
		c.close()
		k.killProcess(c)
	}
	k.failInFlight()

	if err := k.respawn(ctx, c); err != nil {
		return err
	}
	if k.onRestart != nil {
		k.onRestart()
	}
	return nil
}

func (k *Client) respawn(ctx context.Context, old *conn) error {
	if k.restarter != nil {
		return k.restarter(ctx)
	}
	k.mu.Lock()
	remote := k.remote
	k.mu.Unlock()
	if remote {
		// Nothing to respawn here, the remote bridge owns that worker.
		return errors.WithMessage(ErrBackendDown, "remote worker is gone")
	}
	cmdAddr, pubAddr := protocol.DefaultCmdAddr, protocol.DefaultPubAddr
	if old != nil {
		cmdAddr, pubAddr = old.cmdAddr, old.pubAddr
	}
	return k.startLocal(ctx, cmdAddr, pubAddr)
}

func (k *Client) killProcess(c *conn) {
	if c.proc == nil || c.proc.Process == nil {
		return
	}
	_ = c.proc.Process.Kill()
	if c.procDone != nil {
		select {
		case <-c.procDone.WaitChan():
		case <-time.After(2 * time.Second):
		}
	}
}

// failInFlight synthesizes the terminal events of an execution whose worker
// died under it, so the notebook does not hang on a spinner.
func (k *Client) failInFlight() {
	k.mu.Lock()
	if !k.executing {
		k.mu.Unlock()
		return
	}
	cell := k.execCell
	k.executing = false
	close(k.execDone)
	k.mu.Unlock()

	if k.sink == nil {
		return
	}
	payload := &protocol.ErrorPayload{
		Ename:     "ConnectionLost",
		Evalue:    "connection to the kernel was lost",
		Traceback: []string{"ConnectionLost: connection to the kernel was lost"},
	}
	k.sink(protocol.Event{
		Type:      protocol.EventExecutionError,
		CellIndex: protocol.Index(cell),
		Error:     payload,
	})
	k.sink(protocol.Event{
		Type:      protocol.EventExecutionComplete,
		CellIndex: protocol.Index(cell),
		Result: &protocol.ExecutionResult{
			Status:  protocol.StatusError,
			Outputs: []any{},
			Error:   payload,
		},
	})
}

// connectionLost handles an unexpected worker death detected by the watch
// loop.
func (k *Client) connectionLost(c *conn) {
	k.mu.Lock()
	if k.conn != c {
		// A newer connection already took over.
		k.mu.Unlock()
		return
	}
	k.conn = nil
	k.mu.Unlock()
	c.close()
	k.killProcess(c)
	k.failInFlight()

	select {
	case <-k.stop:
		return
	default:
	}
	klog.Warning("kernel: connection to worker lost")
	if err := k.respawn(context.Background(), c); err != nil {
		klog.Errorf("kernel: failed to respawn worker: %+v", err)
		if k.onDown != nil {
			k.onDown()
		}
		return
	}
	if k.onRestart != nil {
		k.onRestart()
	}
}

// Connected reports whether a worker is currently reachable.
func (k *Client) Connected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.conn != nil
}

// Shutdown stops the worker and releases the client. The client cannot be
// reused afterwards.
func (k *Client) Shutdown() {
	k.stopOnce.Do(func() { close(k.stop) })
	k.mu.Lock()
	c := k.conn
	k.conn = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	_, _ = k.roundTripOn(c, protocol.Command{Type: protocol.CmdShutdown}, time.Second)
	c.close()
	k.killProcess(c)
}

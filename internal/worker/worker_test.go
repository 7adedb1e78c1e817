package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morecompute/morecompute/internal/protocol"
)

// testHarness runs a worker on ephemeral ports with a REQ and a SUB socket
// connected to it, the way the kernel client connects in production.
type testHarness struct {
	worker *Worker
	req    zmq4.Socket
	events chan protocol.Event
	done   chan error
}

func startHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()
	w, err := New(ctx, "tcp://127.0.0.1:0", "tcp://127.0.0.1:0")
	require.NoError(t, err)

	h := &testHarness{
		worker: w,
		events: make(chan protocol.Event, 128),
		done:   make(chan error, 1),
	}
	go func() { h.done <- w.Run() }()

	h.req = zmq4.NewReq(ctx)
	require.NoError(t, h.req.Dial(w.CmdAddr()))

	sub := zmq4.NewSub(ctx)
	require.NoError(t, sub.Dial(w.PubAddr()))
	require.NoError(t, sub.SetOption(zmq4.OptionSubscribe, ""))
	go func() {
		for {
			msg, err := sub.Recv()
			if err != nil {
				return
			}
			ev, err := protocol.UnmarshalEvent(msg.Bytes())
			if err == nil {
				h.events <- ev
			}
		}
	}()
	t.Cleanup(func() {
		w.Stop()
		_ = h.req.Close()
		_ = sub.Close()
	})

	// PUB drops events published before the subscription settles, give
	// the slow joiner a moment.
	time.Sleep(300 * time.Millisecond)
	return h
}

func (h *testHarness) command(t *testing.T, cmd protocol.Command) protocol.Reply {
	t.Helper()
	raw, err := protocol.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, h.req.Send(zmq4.NewMsg(raw)))
	msg, err := h.req.Recv()
	require.NoError(t, err)
	reply, err := protocol.UnmarshalReply(msg.Bytes())
	require.NoError(t, err)
	return reply
}

// nextEvent waits for the next non-heartbeat event.
func (h *testHarness) nextEvent(t *testing.T) protocol.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == protocol.EventHeartbeat {
				continue
			}
			return ev
		case <-deadline:
			t.Fatal("timed out waiting for an event")
		}
	}
}

func TestPing(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{Type: protocol.CmdPing})
	assert.True(t, reply.OK)
	assert.Equal(t, os.Getpid(), reply.PID, "worker runs in-process in tests")
}

func TestExecuteCellEventSequence(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{
		Type:           protocol.CmdExecuteCell,
		Code:           "x = 20\nprint(\"working\")\nx + 1",
		CellIndex:      protocol.Index(0),
		ExecutionCount: 1,
	})
	require.True(t, reply.OK, "execute reply: %s", reply.Error)

	ev := h.nextEvent(t)
	assert.Equal(t, protocol.EventExecutionStart, ev.Type)
	assert.Equal(t, 0, ev.Cell())

	ev = h.nextEvent(t)
	require.Equal(t, protocol.EventStream, ev.Type)
	assert.Equal(t, protocol.StreamStdout, ev.Name)
	assert.Equal(t, "working\n", ev.Text)

	ev = h.nextEvent(t)
	require.Equal(t, protocol.EventExecuteResult, ev.Type)
	assert.Equal(t, "21", ev.Data["text/plain"])

	ev = h.nextEvent(t)
	require.Equal(t, protocol.EventExecutionComplete, ev.Type)
	require.NotNil(t, ev.Result)
	assert.Equal(t, protocol.StatusOK, ev.Result.Status)
	assert.Equal(t, 1, ev.Result.ExecutionCount)
	assert.Nil(t, ev.Result.Error)
}

func TestNamespacePersistsBetweenCommands(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{
		Type: protocol.CmdExecuteCell, Code: "kept = 7",
		CellIndex: protocol.Index(0), ExecutionCount: 1,
	})
	require.True(t, reply.OK)
	for h.nextEvent(t).Type != protocol.EventExecutionComplete {
	}

	reply = h.command(t, protocol.Command{
		Type: protocol.CmdExecuteCell, Code: "kept * 2",
		CellIndex: protocol.Index(1), ExecutionCount: 2,
	})
	require.True(t, reply.OK)
	var result protocol.Event
	for {
		ev := h.nextEvent(t)
		if ev.Type == protocol.EventExecuteResult {
			result = ev
		}
		if ev.Type == protocol.EventExecutionComplete {
			break
		}
	}
	assert.Equal(t, "14", result.Data["text/plain"])
}

func TestBusyRejectionAndInterrupt(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{
		Type: protocol.CmdExecuteCell, Code: "sleep(60)",
		CellIndex: protocol.Index(0), ExecutionCount: 1,
	})
	require.True(t, reply.OK)
	require.Equal(t, protocol.EventExecutionStart, h.nextEvent(t).Type)

	// A second execution while one is running is rejected.
	reply = h.command(t, protocol.Command{
		Type: protocol.CmdExecuteCell, Code: "1",
		CellIndex: protocol.Index(1), ExecutionCount: 2,
	})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "already running")

	reply = h.command(t, protocol.Command{Type: protocol.CmdInterrupt})
	assert.True(t, reply.OK)

	ev := h.nextEvent(t)
	require.Equal(t, protocol.EventExecutionError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "KeyboardInterrupt", ev.Error.Ename)
	assert.Equal(t, "Execution interrupted by user", ev.Error.Evalue)

	ev = h.nextEvent(t)
	require.Equal(t, protocol.EventExecutionComplete, ev.Type)
	assert.Equal(t, protocol.StatusError, ev.Result.Status)
}

func TestInterruptTargetsRunningCell(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{
		Type: protocol.CmdExecuteCell, Code: "sleep(60)",
		CellIndex: protocol.Index(3), ExecutionCount: 1,
	})
	require.True(t, reply.OK)
	require.Equal(t, protocol.EventExecutionStart, h.nextEvent(t).Type)

	// Naming a cell other than the running one leaves the execution alone.
	reply = h.command(t, protocol.Command{
		Type: protocol.CmdInterrupt, CellIndex: protocol.Index(7),
	})
	assert.True(t, reply.OK)
	select {
	case ev := <-h.events:
		if ev.Type != protocol.EventHeartbeat {
			t.Fatalf("mistargeted interrupt stopped the execution: got %s event", ev.Type)
		}
	case <-time.After(500 * time.Millisecond):
	}

	reply = h.command(t, protocol.Command{
		Type: protocol.CmdInterrupt, CellIndex: protocol.Index(3),
	})
	assert.True(t, reply.OK)
	ev := h.nextEvent(t)
	require.Equal(t, protocol.EventExecutionError, ev.Type)
	assert.Equal(t, "KeyboardInterrupt", ev.Error.Ename)
	require.Equal(t, protocol.EventExecutionComplete, h.nextEvent(t).Type)
}

func TestInterruptWhenIdle(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{Type: protocol.CmdInterrupt})
	assert.True(t, reply.OK, "interrupting an idle worker is a no-op")
}

func TestShutdown(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{Type: protocol.CmdShutdown})
	assert.True(t, reply.OK)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}
}

func TestUnknownCommand(t *testing.T) {
	h := startHarness(t)
	reply := h.command(t, protocol.Command{Type: "frobnicate"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "frobnicate")
}

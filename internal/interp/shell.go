package interp

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/protocol"
)

// runShell executes a "!command" escape through the system shell, streaming
// its output live. The command runs in its own process group so an interrupt
// reaches the whole pipeline, not just the shell.
func (in *Interpreter) runShell(ctx context.Context, cmdline string, col *collector) *ExecError {
	if cmdline == "" {
		return syntaxError(0, "empty shell command")
	}
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = in.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return execErrorf(ErrShellCommand, "failed to run %q: %v", cmdline, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return execErrorf(ErrShellCommand, "failed to run %q: %v", cmdline, err)
	}
	if err = cmd.Start(); err != nil {
		return execErrorf(ErrShellCommand, "failed to start %q: %v", cmdline, err)
	}
	klog.V(2).Infof("shell escape: pid=%d cmd=%q", cmd.Process.Pid, cmdline)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newStreamWriter(col, protocol.StreamStdout), stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newStreamWriter(col, protocol.StreamStderr), stderr)
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid signals the whole process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
		case <-done:
		}
	}()

	wg.Wait()
	err = cmd.Wait()
	close(done)
	if ctx.Err() != nil {
		return interruptedError()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return execErrorf(ErrShellCommand,
				"command %q returned non-zero exit status %d", cmdline, exitErr.ExitCode())
		}
		return execErrorf(ErrShellCommand, "command %q failed: %v", cmdline, err)
	}
	return nil
}

// streamWriter forwards raw process output to the collector, translating
// carriage returns into in-place line updates so progress bars written with
// "\r" render as a single moving line.
type streamWriter struct {
	col  *collector
	name string
	// update is set after a bare carriage return: content then replaces
	// the current line instead of appending, until the next newline.
	update bool
	line   string
}

func newStreamWriter(col *collector, name string) *streamWriter {
	return &streamWriter{col: col, name: name}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	text := strings.ReplaceAll(string(p), "\r\n", "\n")
	for len(text) > 0 {
		idx := strings.IndexAny(text, "\r\n")
		chunk := text
		var term byte
		if idx >= 0 {
			chunk, term, text = text[:idx], text[idx], text[idx+1:]
		} else {
			text = ""
		}
		if chunk != "" {
			if w.update {
				w.line += chunk
				w.col.StreamUpdate(w.name, w.line)
			} else {
				w.col.Stream(w.name, chunk)
			}
		}
		switch term {
		case '\n':
			w.col.Stream(w.name, "\n")
			w.update, w.line = false, ""
		case '\r':
			w.update, w.line = true, ""
		}
	}
	return len(p), nil
}

package remote

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/protocol"
)

const (
	// workerDir is where the worker lives on the remote machine.
	workerDir     = "/tmp/morecompute"
	workerBinName = "mcnb"
	workerArchive = workerDir + "/worker.tar.gz"
	workerLog     = workerDir + "/worker.log"
	workerPIDFile = workerDir + "/worker.pid"

	deployTimeout = 120 * time.Second
	// tunnelSettle gives fresh tunnels a moment before the first probe.
	tunnelSettle = 2 * time.Second
)

// Bridge deploys and supervises the worker on one remote machine.
type Bridge struct {
	conn *Conn
	// binPath is the local worker binary shipped to the remote host. The
	// remote machine must run the same platform this binary targets.
	binPath string
}

// NewBridge creates a bridge over an established connection, shipping this
// process's own binary as the worker.
func NewBridge(conn *Conn) (*Bridge, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.WithMessage(err, "cannot locate own binary to deploy")
	}
	return &Bridge{conn: conn, binPath: exe}, nil
}

// WithBinary overrides the worker binary to ship, for cross-compiled
// builds. It returns the Bridge, so calls can be chained.
func (b *Bridge) WithBinary(path string) *Bridge {
	b.binPath = path
	return b
}

// Conn returns the underlying connection.
func (b *Bridge) Conn() *Conn {
	return b.conn
}

// Deploy ships the worker binary, starts it, and opens the tunnels. After
// Deploy returns the worker is reachable on the local tunnel ports.
func (b *Bridge) Deploy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()

	archive, err := packageWorker(b.binPath)
	if err != nil {
		return err
	}
	if err = b.conn.Upload(ctx, workerArchive, archive, 0644); err != nil {
		return err
	}
	extract := fmt.Sprintf("cd %q && tar -xzf %q", workerDir, workerArchive)
	if _, err = b.conn.Run(ctx, extract); err != nil {
		return err
	}
	if err = b.StartWorker(ctx); err != nil {
		return err
	}
	if err = b.OpenTunnels(); err != nil {
		return err
	}
	klog.V(1).Infof("remote: worker deployed to %s", b.conn.Target())
	return nil
}

// packageWorker builds the tar.gz shipped to the remote host, containing
// the worker binary.
func packageWorker(binPath string) ([]byte, error) {
	bin, err := os.ReadFile(binPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading worker binary %q", binPath)
	}
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, errors.WithMessage(err, "creating archive writer")
	}
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:    workerBinName,
		Mode:    0755,
		Size:    int64(len(bin)),
		ModTime: time.Now(),
	}
	if err = tw.WriteHeader(hdr); err != nil {
		return nil, errors.WithMessage(err, "writing archive header")
	}
	if _, err = tw.Write(bin); err != nil {
		return nil, errors.WithMessage(err, "writing archive")
	}
	if err = tw.Close(); err != nil {
		return nil, errors.WithMessage(err, "finishing archive")
	}
	if err = gz.Close(); err != nil {
		return nil, errors.WithMessage(err, "finishing archive")
	}
	return buf.Bytes(), nil
}

// StartWorker launches the worker on the remote host, replacing any
// previous instance.
func (b *Bridge) StartWorker(ctx context.Context) error {
	b.stopWorker(ctx)
	start := fmt.Sprintf(
		"cd %q && %s=tcp://127.0.0.1:%d %s=tcp://127.0.0.1:%d nohup ./%s --worker > %q 2>&1 & echo $! > %q",
		workerDir,
		protocol.EnvCmdAddr, protocol.RemoteCmdPort,
		protocol.EnvPubAddr, protocol.RemotePubPort,
		workerBinName, workerLog, workerPIDFile,
	)
	if _, err := b.conn.Run(ctx, start); err != nil {
		return errors.WithMessage(err, "starting remote worker")
	}
	return nil
}

// stopWorker kills the remote worker if one is running.
func (b *Bridge) stopWorker(ctx context.Context) {
	kill := fmt.Sprintf("[ -f %q ] && kill $(cat %q) 2>/dev/null; rm -f %q",
		workerPIDFile, workerPIDFile, workerPIDFile)
	if _, err := b.conn.Run(ctx, kill); err != nil {
		klog.V(1).Infof("remote: stopping old worker: %v", err)
	}
}

// RestartWorker relaunches the remote worker, giving it a fresh namespace.
// The tunnels stay up; the worker rebinds the same remote ports.
func (b *Bridge) RestartWorker(ctx context.Context) error {
	if err := b.StartWorker(ctx); err != nil {
		return err
	}
	time.Sleep(tunnelSettle)
	return nil
}

// WorkerLogs returns the last n lines of the remote worker's log.
func (b *Bridge) WorkerLogs(ctx context.Context, n int) (string, error) {
	if n <= 0 {
		n = 100
	}
	out, err := b.conn.Run(ctx, fmt.Sprintf("tail -n %s %q", strconv.Itoa(n), workerLog))
	if err != nil {
		return "", errors.WithMessage(err, "reading remote worker logs")
	}
	return out, nil
}

// OpenTunnels forwards the local tunnel ports to the worker's channels on
// the remote host.
func (b *Bridge) OpenTunnels() error {
	if err := b.conn.Forward(protocol.TunnelCmdPort, protocol.RemoteCmdPort); err != nil {
		return err
	}
	if err := b.conn.Forward(protocol.TunnelPubPort, protocol.RemotePubPort); err != nil {
		return err
	}
	time.Sleep(tunnelSettle)
	return nil
}

// TunnelAddrs returns the local endpoints the kernel client should connect
// to once the tunnels are open.
func TunnelAddrs() (cmdAddr, pubAddr string) {
	return fmt.Sprintf("tcp://127.0.0.1:%d", protocol.TunnelCmdPort),
		fmt.Sprintf("tcp://127.0.0.1:%d", protocol.TunnelPubPort)
}

// Close stops the remote worker and tears the connection down.
func (b *Bridge) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.stopWorker(ctx)
	b.conn.Close()
}

// Describe renders the bridge target for logs and error messages.
func (b *Bridge) Describe() string {
	return strings.TrimSpace(b.conn.Target().String())
}

// Package remote bridges the notebook server to a worker on a remote
// machine, typically a rented GPU pod: it holds the SSH connection, deploys
// and supervises the worker binary, and tunnels the worker's channels to
// local ports.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/common"
	"github.com/morecompute/morecompute/internal/providers"
)

const (
	// DefaultSSHPort when the target does not name one.
	DefaultSSHPort = 22

	dialTimeout       = 10 * time.Second
	keepaliveInterval = 60 * time.Second
	keepaliveFailures = 3
)

// Connection failure classes, matchable with errors.Is.
var (
	ErrAuthFailed  = errors.New("SSH authentication failed")
	ErrUnreachable = errors.New("remote host is unreachable")
)

// Target identifies the machine to connect to.
type Target struct {
	User string
	Host string
	Port int
	// KeyPath is the private key file; empty tries the usual ~/.ssh keys.
	KeyPath string
}

// ParseTarget parses "user@host", "user@host:port", or a bare host. The
// user defaults to root, the port to 22.
func ParseTarget(s string) (Target, error) {
	t := Target{User: "root", Port: DefaultSSHPort}
	s = strings.TrimPrefix(strings.TrimSpace(s), "ssh://")
	if s == "" {
		return t, errors.New("empty connection string")
	}
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		t.User = s[:at]
		s = s[at+1:]
		if t.User == "" {
			return t, errors.New("connection string has an empty user")
		}
	}
	if colon := strings.LastIndexByte(s, ':'); colon >= 0 {
		port, err := strconv.Atoi(s[colon+1:])
		if err != nil || port <= 0 || port > 65535 {
			return t, errors.Errorf("bad port in connection string %q", s)
		}
		t.Port = port
		s = s[:colon]
	}
	if s == "" {
		return t, errors.New("connection string has an empty host")
	}
	t.Host = s
	return t, nil
}

// TargetFromPod builds a target from a provider's SSH endpoint.
func TargetFromPod(info *providers.SSHInfo) Target {
	return Target{User: info.User, Host: info.Host, Port: info.Port}
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s", t.User, t.Addr())
}

// Conn is one live SSH connection with keepalive supervision.
type Conn struct {
	target Target
	client *ssh.Client
	onDead func()

	mu        sync.Mutex
	listeners []net.Listener

	stop     chan struct{}
	stopOnce sync.Once
}

// Dial connects to the target. Pod hosts are ephemeral, so host keys are
// not verified, matching how the rest of the tooling reaches these
// machines.
func Dial(target Target) (*Conn, error) {
	signers, err := loadSigners(target.KeyPath)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", target.Addr(), config)
	if err != nil {
		return nil, classifyDialError(target, err)
	}
	c := &Conn{
		target: target,
		client: client,
		stop:   make(chan struct{}),
	}
	go c.keepaliveLoop()
	klog.V(1).Infof("remote: connected to %s", target)
	return c, nil
}

// WithOnDead sets a callback fired when keepalives stop being answered. It
// returns the Conn, so calls can be chained.
func (c *Conn) WithOnDead(fn func()) *Conn {
	c.onDead = fn
	return c
}

func classifyDialError(target Target, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "handshake failed") {
		return errors.WithMessagef(ErrAuthFailed, "connecting to %s: %v", target, err)
	}
	return errors.WithMessagef(ErrUnreachable, "connecting to %s: %v", target, err)
}

// loadSigners loads the private key at keyPath, or every usable default key
// under ~/.ssh when keyPath is empty.
func loadSigners(keyPath string) ([]ssh.Signer, error) {
	paths := []string{keyPath}
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.WithMessage(err, "cannot locate home directory for SSH keys")
		}
		paths = nil
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			paths = append(paths, filepath.Join(home, ".ssh", name))
		}
	}
	var signers []ssh.Signer
	var lastErr error
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			lastErr = errors.WithMessagef(err, "parsing SSH key %q", path)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, errors.WithMessagef(ErrAuthFailed, "no usable SSH key found: %v", lastErr)
	}
	return signers, nil
}

func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			klog.Warningf("remote: keepalive to %s failed (%d/%d): %v",
				c.target, failures, keepaliveFailures, err)
			if failures >= keepaliveFailures {
				c.Close()
				if c.onDead != nil {
					c.onDead()
				}
				return
			}
		}
	}
}

// Run executes a command on the remote host and returns its combined
// output. The context bounds the execution.
func (c *Conn) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", errors.WithMessagef(err, "opening SSH session to %s", c.target)
	}
	defer func() { _ = session.Close() }()

	done := common.NewLatch()
	defer done.Trigger()
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done.WaitChan():
		}
	}()

	klog.V(2).Infof("remote: run on %s: %s", c.target, cmd)
	out, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return string(out), errors.WithMessagef(ctx.Err(), "remote command %q", cmd)
	}
	if err != nil {
		return string(out), errors.WithMessagef(err, "remote command %q failed: %s",
			cmd, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Upload writes data to path on the remote host with the given mode.
func (c *Conn) Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return errors.WithMessagef(err, "opening SSH session to %s", c.target)
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return errors.WithMessage(err, "opening upload pipe")
	}
	done := common.NewLatch()
	defer done.Trigger()
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done.WaitChan():
		}
	}()

	cmd := fmt.Sprintf("mkdir -p %q && cat > %q && chmod %o %q",
		filepath.Dir(path), path, mode.Perm(), path)
	if err = session.Start(cmd); err != nil {
		return errors.WithMessagef(err, "starting upload to %s", path)
	}
	if _, err = stdin.Write(data); err != nil {
		return errors.WithMessagef(err, "uploading %d bytes to %s", len(data), path)
	}
	if err = stdin.Close(); err != nil {
		return errors.WithMessage(err, "finishing upload")
	}
	if err = session.Wait(); err != nil {
		return errors.WithMessagef(err, "upload to %s failed", path)
	}
	klog.V(1).Infof("remote: uploaded %d bytes to %s:%s", len(data), c.target.Host, path)
	return nil
}

// Forward listens on localPort and forwards every connection to remotePort
// on the remote host's loopback, through the SSH connection.
func (c *Conn) Forward(localPort, remotePort int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return errors.WithMessagef(err, "cannot listen on local port %d", localPort)
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()

	remoteAddr := fmt.Sprintf("127.0.0.1:%d", remotePort)
	go func() {
		for {
			local, err := listener.Accept()
			if err != nil {
				return
			}
			go c.forwardConn(local, remoteAddr)
		}
	}()
	klog.V(1).Infof("remote: forwarding 127.0.0.1:%d -> %s:%s", localPort, c.target.Host, remoteAddr)
	return nil
}

func (c *Conn) forwardConn(local net.Conn, remoteAddr string) {
	remote, err := c.client.Dial("tcp", remoteAddr)
	if err != nil {
		klog.Warningf("remote: tunnel dial %s failed: %v", remoteAddr, err)
		_ = local.Close()
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
	}
	go pipe(remote, local)
	go pipe(local, remote)
	wg.Wait()
}

// Target returns the connection's target.
func (c *Conn) Target() Target {
	return c.target
}

// Close shuts the connection and every tunnel down. Safe to call more than
// once.
func (c *Conn) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		for _, l := range c.listeners {
			_ = l.Close()
		}
		c.listeners = nil
		c.mu.Unlock()
		_ = c.client.Close()
		klog.V(1).Infof("remote: disconnected from %s", c.target)
	})
}

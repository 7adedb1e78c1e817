package remote

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morecompute/morecompute/internal/providers"
)

func TestParseTarget(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Target
	}{
		{"root@203.0.113.7", Target{User: "root", Host: "203.0.113.7", Port: 22}},
		{"ubuntu@gpu.example.com:2222", Target{User: "ubuntu", Host: "gpu.example.com", Port: 2222}},
		{"gpu.example.com", Target{User: "root", Host: "gpu.example.com", Port: 22}},
		{"ssh://dev@10.0.0.5:2200", Target{User: "dev", Host: "10.0.0.5", Port: 2200}},
		{"  root@host  ", Target{User: "root", Host: "host", Port: 22}},
	} {
		got, err := ParseTarget(tc.in)
		require.NoError(t, err, "input: %q", tc.in)
		assert.Equal(t, tc.want, got, "input: %q", tc.in)
	}
}

func TestParseTargetErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"@host",
		"user@",
		"user@host:notaport",
		"user@host:0",
		"user@host:99999",
	} {
		_, err := ParseTarget(in)
		assert.Error(t, err, "input: %q", in)
	}
}

func TestTargetFromPod(t *testing.T) {
	target := TargetFromPod(&providers.SSHInfo{Host: "ssh4.vast.ai", Port: 2222, User: "root"})
	assert.Equal(t, "root@ssh4.vast.ai:2222", target.String())
	assert.Equal(t, "ssh4.vast.ai:2222", target.Addr())
}

func TestPackageWorker(t *testing.T) {
	binPath := filepath.Join(t.TempDir(), "mcnb")
	payload := []byte("#!/bin/sh\necho fake worker\n")
	require.NoError(t, os.WriteFile(binPath, payload, 0755))

	archive, err := packageWorker(binPath)
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, workerBinName, hdr.Name)
	assert.Equal(t, int64(0755), hdr.Mode)

	extracted, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, payload, extracted)

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err, "archive holds exactly the worker binary")
}

func TestPackageWorkerMissingBinary(t *testing.T) {
	_, err := packageWorker(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestTunnelAddrs(t *testing.T) {
	cmdAddr, pubAddr := TunnelAddrs()
	assert.Equal(t, "tcp://127.0.0.1:15555", cmdAddr)
	assert.Equal(t, "tcp://127.0.0.1:15556", pubAddr)
}

func TestClassifyDialError(t *testing.T) {
	target := Target{User: "root", Host: "h", Port: 22}
	err := classifyDialError(target, assert.AnError)
	assert.ErrorIs(t, err, ErrUnreachable)

	authErr := classifyDialError(target,
		&mockError{"ssh: handshake failed: ssh: unable to authenticate"})
	assert.ErrorIs(t, authErr, ErrAuthFailed)
}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

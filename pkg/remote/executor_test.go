package remote_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestRequire(t *testing.T) {
	ctx := context.Background()
	exec := remote.NewMockExecutor(t)
	exec.On("Run", ctx, remote.Containing("uname")).Return(remote.Ok("aarch64\n"), nil).Once()
	exec.On("Run", ctx, remote.Containing("false")).Return(remote.Failed(1, "nope"), nil).Once()

	res, err := remote.Require(ctx, exec, remote.Cmd("uname", "-m"), "detect architecture")
	require.NoError(t, err)
	assert.Equal(t, "aarch64", res.Output())

	_, err = remote.Require(ctx, exec, remote.Cmd("false"), "fail on purpose")
	require.Error(t, err)
	assert.Equal(t, deployerr.CommandFailure, deployerr.KindOf(err))
	assert.Contains(t, err.Error(), "nope")
}

func TestLocalExecutor(t *testing.T) {
	e := &remote.LocalExecutor{Redactor: redact.New("s3cret")}
	ctx := context.Background()

	res, err := e.Run(ctx, remote.Shell(`echo "$GREETING"`).WithEnv(map[string]string{"GREETING": "hello"}))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello", res.Output())

	res, err = e.Run(ctx, remote.Shell("echo s3cret >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "***", strings.TrimSpace(res.Stderr))

	res, err = e.Run(ctx, remote.Cmd("cat").WithStdin(strings.NewReader("from stdin")))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", res.Output())
}

func TestLocalExecutorDeadline(t *testing.T) {
	e := &remote.LocalExecutor{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, remote.Cmd("sleep", "5"))
	require.Error(t, err)
	assert.Equal(t, deployerr.Timeout, deployerr.KindOf(err))
}

func privateKeyPEM(t *testing.T) []byte {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "deploy test")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func TestNewSSHExecutor(t *testing.T) {
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))

	e, err := remote.NewSSHExecutor(remote.SSHConfig{
		Host:           "deploy.example.com",
		User:           "deploy",
		PrivateKey:     privateKeyPEM(t),
		KnownHostsFile: knownHosts,
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, e.Close())
}

func TestNewSSHExecutorInvalidInput(t *testing.T) {
	_, err := remote.NewSSHExecutor(remote.SSHConfig{Host: "h", User: "u", PrivateKey: []byte("garbage"), InsecureIgnoreHostKey: true}, nil)
	require.Error(t, err)
	assert.Equal(t, deployerr.InvocationFailure, deployerr.KindOf(err))

	_, err = remote.NewSSHExecutor(remote.SSHConfig{User: "u", PrivateKey: privateKeyPEM(t)}, nil)
	require.Error(t, err)

	_, err = remote.NewSSHExecutor(remote.SSHConfig{
		Host:           "h",
		User:           "u",
		PrivateKey:     privateKeyPEM(t),
		KnownHostsFile: filepath.Join(t.TempDir(), "missing"),
	}, nil)
	require.Error(t, err)
}

func TestSSHExecutorUnreachableHost(t *testing.T) {
	e, err := remote.NewSSHExecutor(remote.SSHConfig{
		Host:                  "127.0.0.1",
		Port:                  1,
		User:                  "deploy",
		PrivateKey:            privateKeyPEM(t),
		InsecureIgnoreHostKey: true,
		DialTimeout:           time.Second,
	}, nil)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), remote.Cmd("true"))
	require.Error(t, err)
	assert.Equal(t, deployerr.TransportError, deployerr.KindOf(err))
}

func TestSSHConfigAddress(t *testing.T) {
	assert.Equal(t, "example.com:22", remote.SSHConfig{Host: "example.com"}.Address())
	assert.Equal(t, "[::1]:2222", remote.SSHConfig{Host: "::1", Port: 2222}.Address())
}

func TestSSHExecutorStalledHandshake(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	e, err := remote.NewSSHExecutor(remote.SSHConfig{
		Host:                  "127.0.0.1",
		Port:                  addr.Port,
		User:                  "deploy",
		PrivateKey:            privateKeyPEM(t),
		InsecureIgnoreHostKey: true,
		DialTimeout:           200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	started := time.Now()
	_, err = e.Run(context.Background(), remote.Cmd("true"))
	require.Error(t, err)
	assert.Equal(t, deployerr.TransportError, deployerr.KindOf(err))
	assert.Less(t, time.Since(started), 5*time.Second)
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/redact"
)

const DefaultDialTimeout = 15 * time.Second

type SSHConfig struct {
	Host                  string
	Port                  int
	User                  string
	PrivateKey            []byte
	Passphrase            []byte
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
}

func (cfg SSHConfig) Address() string {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// SSHExecutor runs commands on a single host. The connection is established on
// first use and shared; every command gets its own session.
type SSHExecutor struct {
	config       SSHConfig
	clientConfig *ssh.ClientConfig
	redactor     *redact.Redactor

	lock   sync.Mutex
	client *ssh.Client
}

func NewSSHExecutor(cfg SSHConfig, redactor *redact.Redactor) (*SSHExecutor, error) {
	if len(cfg.Host) == 0 || len(cfg.User) == 0 {
		return nil, deployerr.Errorf(deployerr.InvocationFailure, "ssh host and user are required")
	}

	signer, err := parsePrivateKey(cfg.PrivateKey, cfg.Passphrase)
	if err != nil {
		return nil, deployerr.Errorf(deployerr.InvocationFailure, "parse ssh private key: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, deployerr.Errorf(deployerr.InvocationFailure, "load known hosts: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	return &SSHExecutor{
		config:   cfg,
		redactor: redactor,
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

func parsePrivateKey(key, passphrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("no private key given")
	}
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(key, passphrase)
	}
	return ssh.ParsePrivateKey(key)
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		log.Warnf("Host key verification for %s is DISABLED", cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHostsFile
	if len(path) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(path)
}

func (e *SSHExecutor) connect(ctx context.Context) (*ssh.Client, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	addr := e.config.Address()
	dialer := &net.Dialer{Timeout: e.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake is bounded by the dial timeout and aborted with ctx.
	deadline := time.Now().Add(e.config.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debugf("Connected to %s@%s", e.config.User, addr)
	e.client = ssh.NewClient(c, chans, reqs)

	return e.client, nil
}

func (e *SSHExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	line, err := cmd.Render()
	if err != nil {
		return Result{}, deployerr.Errorf(deployerr.InternalError, "render command: %w", err)
	}
	display := e.redactor.Redact(line)

	client, err := e.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, contextError(ctx, display)
		}
		return Result{}, transportError("connect to %s: %s", e.config.Address(), err)
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, transportError("open ssh session: %s", err)
	}
	defer session.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	session.Stdout = stdout
	session.Stderr = stderr
	if cmd.Stdin != nil {
		session.Stdin = cmd.Stdin
	}

	log.Debugf("[%s] $ %s", e.config.Host, display)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{}, contextError(ctx, display)

	case err = <-done:
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: e.redactor.Redact(stderr.String()),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		return res, transportError("%s: %s", display, err)
	}
}

func (e *SSHExecutor) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

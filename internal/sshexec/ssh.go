package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/edvin/podlab/internal/model"
)

const defaultDialTimeout = 10 * time.Second

// SSHExecutor implements Executor with golang.org/x/crypto/ssh. Every call
// opens its own connection.
type SSHExecutor struct {
	logger      zerolog.Logger
	knownHosts  string
	defaultKeys []string
	dialTimeout time.Duration
}

// Option configures an SSHExecutor.
type Option func(*SSHExecutor)

// WithKnownHosts overrides the known_hosts file (default ~/.ssh/known_hosts).
func WithKnownHosts(path string) Option {
	return func(e *SSHExecutor) { e.knownHosts = path }
}

// WithDialTimeout bounds TCP connect plus handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(e *SSHExecutor) { e.dialTimeout = d }
}

// NewSSHExecutor creates an SSHExecutor.
func NewSSHExecutor(logger zerolog.Logger, opts ...Option) *SSHExecutor {
	e := &SSHExecutor{
		logger:     logger.With().Str("component", "ssh-executor").Logger(),
		knownHosts: model.ExpandHome("~/.ssh/known_hosts"),
		defaultKeys: []string{
			model.ExpandHome("~/.ssh/id_ed25519"),
			model.ExpandHome("~/.ssh/id_ecdsa"),
			model.ExpandHome("~/.ssh/id_rsa"),
		},
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs cmd on ep and captures its output.
func (e *SSHExecutor) Execute(ctx context.Context, ep model.Endpoint, cmd Command) (model.CommandResult, error) {
	line := cmd.String()
	if !cmd.Quiet {
		e.logger.Debug().Str("endpoint", ep.Alias).Str("cmd", line).Msg("running remote command")
	}

	var stdout, stderr bytes.Buffer
	code, err := e.run(ctx, ep, cmd.AcceptNewHostKey, line, nil, &stdout, &stderr)
	if err != nil {
		if !cmd.Quiet {
			e.logger.Warn().Err(err).Str("endpoint", ep.Alias).Msg("remote command transport failure")
		}
		return model.CommandResult{}, err
	}

	result := model.CommandResult{
		ExitCode: code,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}
	if !cmd.Quiet {
		if result.Success() {
			e.logger.Debug().Str("endpoint", ep.Alias).Str("stdout", result.Stdout).Msg("remote command succeeded")
		} else {
			e.logger.Warn().Str("endpoint", ep.Alias).Int("exit_code", code).Str("stderr", result.Stderr).Msg("remote command failed")
		}
	}
	return result, nil
}

// Exists reports whether remotePath exists on ep.
func (e *SSHExecutor) Exists(ctx context.Context, ep model.Endpoint, remotePath string) (bool, error) {
	res, err := e.Execute(ctx, ep, Cmd("test -e "+ShellQuote(remotePath)).Silent())
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// run executes line in a fresh session. stdin may be nil.
func (e *SSHExecutor) run(ctx context.Context, ep model.Endpoint, acceptNew bool, line string, stdin io.Reader, stdout, stderr *bytes.Buffer) (int, error) {
	client, err := e.connect(ctx, ep, acceptNew)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return 0, &TransportError{Endpoint: ep.String(), Op: "session", Err: err}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	err = session.Run(line)
	if ctx.Err() != nil {
		return 0, &TransportError{Endpoint: ep.String(), Op: "run", Err: ctx.Err()}
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return 0, &TransportError{Endpoint: ep.String(), Op: "run", Err: err}
}

func (e *SSHExecutor) connect(ctx context.Context, ep model.Endpoint, acceptNew bool) (*ssh.Client, error) {
	fail := func(op string, err error) error {
		return &TransportError{Endpoint: ep.String(), Op: op, Err: err}
	}

	if err := ep.Validate(); err != nil {
		return nil, fail("config", err)
	}

	hostKeyCallback, err := e.hostKeyCallback(acceptNew)
	if err != nil {
		return nil, fail("config", err)
	}

	auth, closeAgent, err := e.authMethods(ep)
	if err != nil {
		return nil, fail("auth", err)
	}
	defer closeAgent()

	addr := ep.Address()
	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fail("dial", err)
	}
	_ = conn.SetDeadline(time.Now().Add(e.dialTimeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fail("handshake", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSHExecutor) hostKeyCallback(acceptNew bool) (ssh.HostKeyCallback, error) {
	if acceptNew {
		return e.recordHostKey, nil
	}
	cb, err := knownhosts.New(e.knownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", e.knownHosts, err)
	}
	return cb, nil
}

// recordHostKey accepts any key and appends it to known_hosts so later
// strict connections succeed. A key already recorded for hostname is not
// appended again.
func (e *SSHExecutor) recordHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if e.knownKey(hostname, remote, key) {
		return nil
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if err := appendLine(e.knownHosts, line); err != nil {
		e.logger.Warn().Err(err).Str("host", hostname).Msg("failed to record host key")
	}
	return nil
}

// knownKey reports whether known_hosts already holds key for hostname. An
// unknown host or a changed key both count as not known.
func (e *SSHExecutor) knownKey(hostname string, remote net.Addr, key ssh.PublicKey) bool {
	cb, err := knownhosts.New(e.knownHosts)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn().Err(err).Str("path", e.knownHosts).Msg("failed to read known hosts")
		}
		return false
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return true
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
		e.logger.Info().Str("host", hostname).Msg("host key changed, recording new key")
	}
	return false
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// authMethods prefers the endpoint's identity file, then the default keys,
// then a running ssh-agent.
func (e *SSHExecutor) authMethods(ep model.Endpoint) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	var signers []ssh.Signer
	if ep.IdentityFile != "" {
		if err := ep.CheckIdentity(); err != nil {
			return nil, noop, err
		}
		s, err := loadSigner(ep.IdentityPath())
		if err != nil {
			return nil, noop, err
		}
		signers = append(signers, s)
	} else {
		for _, p := range e.defaultKeys {
			if s, err := loadSigner(p); err == nil {
				signers = append(signers, s)
			}
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	closer := noop
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, noop, errors.New("no usable private key or ssh-agent")
	}
	return methods, closer, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

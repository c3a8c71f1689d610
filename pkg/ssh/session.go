// Package ssh implements the per-host remote session used by massh: a lazily
// established, cached SSH connection that runs commands and transfers files
// over SFTP.
package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/liliang-cn/massh/pkg/config"
	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/logger"
)

// CommandOutput is the result of a command that ran to completion. A
// non-zero ExitStatus is not an error.
type CommandOutput struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Session is the connection state of one host. It connects on first use
// and keeps the connection for later operations until Disconnect.
//
// A Session is not safe for concurrent use; callers serialize access.
type Session struct {
	host            inventory.Host
	hostKeyCallback ssh.HostKeyCallback
	log             *logger.Entry

	client *ssh.Client
	conn   *deadlineConn
}

// Option configures a Session.
type Option func(*Session)

// WithHostKeyCallback sets the host key check. The default accepts any key.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(s *Session) {
		s.hostKeyCallback = cb
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) {
		s.log = l.WithField("host", s.host.Identity)
	}
}

// NewSession returns an unconnected session for host.
func NewSession(host inventory.Host, opts ...Option) *Session {
	s := &Session{
		host:            host,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	s.log = logger.Default().WithField("host", host.Identity)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity returns the identity of the host.
func (s *Session) Identity() inventory.Identity {
	return s.host.Identity
}

// IsConnected reports whether a connection is cached.
func (s *Session) IsConnected() bool {
	return s.client != nil
}

// Connect dials the host and authenticates, replacing any cached
// connection. On failure the session is left unconnected.
func (s *Session) Connect() error {
	s.Disconnect()

	if s.host.ResolveErr != nil {
		return s.fail("connect", KindAddressResolution, s.host.ResolveErr)
	}

	auth, release, err := authMethod(s.host.Auth)
	if err != nil {
		return s.fail("connect", KindAuthentication, err)
	}
	defer release()

	timeout := s.host.Timeout
	cfg := &ssh.ClientConfig{
		User:            s.host.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: s.hostKeyCallback,
		Timeout:         timeout,
	}

	addr := s.host.Addr()
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
		}
		return s.fail("connect", KindTransport, err)
	}

	conn := newDeadlineConn(raw, timeout)
	conn.begin()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if conn.timedOut() || isTimeout(err) {
			err = fmt.Errorf("%w: handshake stalled for %v: %v", ErrTimeout, timeout, err)
			return s.fail("connect", KindTransport, err)
		}
		return s.fail("connect", classifyHandshake(err), err)
	}
	conn.end()

	s.client = ssh.NewClient(c, chans, reqs)
	s.conn = conn
	s.log.Debug("connected as %s using %s", s.host.User, s.host.Auth)
	return nil
}

// Disconnect closes the cached connection, if any.
func (s *Session) Disconnect() {
	if s.client == nil {
		return
	}
	s.client.Close()
	s.client = nil
	s.conn = nil
	s.log.Debug("disconnected")
}

// Execute runs command and captures its output.
func (s *Session) Execute(command string) (*CommandOutput, error) {
	var out *CommandOutput
	err := s.run("execute", func(c *ssh.Client) error {
		sess, err := c.NewSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		var stdout, stderr bytes.Buffer
		sess.Stdout = &stdout
		sess.Stderr = &stderr

		status := 0
		if err := sess.Run(command); err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return err
			}
			status = exitErr.ExitStatus()
		}

		out = &CommandOutput{
			ExitStatus: status,
			Stdout:     stdout.Bytes(),
			Stderr:     stderr.Bytes(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Download copies remotePath to localPath, creating parent directories. A
// partially written file is removed.
func (s *Session) Download(remotePath, localPath string) error {
	return s.run("download", func(c *ssh.Client) error {
		client, err := sftp.NewClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		src, err := client.Open(remotePath)
		if err != nil {
			return &remoteFileError{err}
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return &localError{err}
		}
		dst, err := os.Create(localPath)
		if err != nil {
			return &localError{err}
		}

		if _, err := io.Copy(localWriter{dst}, src); err != nil {
			dst.Close()
			os.Remove(localPath)
			return err
		}
		if err := dst.Close(); err != nil {
			os.Remove(localPath)
			return &localError{err}
		}
		return nil
	})
}

// Upload copies localPath to remotePath and sets its mode to 0644.
func (s *Session) Upload(localPath, remotePath string) error {
	return s.run("upload", func(c *ssh.Client) error {
		src, err := os.Open(localPath)
		if err != nil {
			return &localError{err}
		}
		defer src.Close()

		client, err := sftp.NewClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		dst, err := client.Create(remotePath)
		if err != nil {
			return &remoteFileError{err}
		}
		if _, err := io.Copy(dst, localReader{src}); err != nil {
			dst.Close()
			return err
		}
		if err := dst.Close(); err != nil {
			return &remoteFileError{err}
		}
		if err := client.Chmod(remotePath, 0o644); err != nil {
			return &remoteFileError{err}
		}
		return nil
	})
}

// run connects if needed and runs f on the connection. With a host timeout,
// every read and write f causes must complete within it. Transport failures
// drop the cached connection.
func (s *Session) run(op string, f func(*ssh.Client) error) error {
	if s.client == nil {
		if err := s.Connect(); err != nil {
			return err
		}
	}
	conn := s.conn

	conn.begin()
	err := func() error {
		defer conn.end()
		return f(s.client)
	}()

	if err == nil {
		return nil
	}

	kind := classify(err)
	if conn.timedOut() {
		kind = KindTransport
		err = fmt.Errorf("%w: no progress for %v: %v", ErrTimeout, s.host.Timeout, err)
	}
	if kind == KindTransport {
		s.Disconnect()
	}
	return s.fail(op, kind, err)
}

func (s *Session) fail(op string, kind Kind, err error) error {
	e := &Error{Kind: kind, Host: s.host.Identity.String(), Op: op, Err: err}
	s.log.Warn("%s failed: %s error: %v", op, kind, err)
	return e
}

// classify maps an operation error to a Kind. Anything not attributable to
// the local filesystem, the remote file or a refused channel is treated as a
// transport failure.
func classify(err error) Kind {
	var (
		local    *localError
		remote   *remoteFileError
		status   *sftp.StatusError
		openChan *ssh.OpenChannelError
	)
	switch {
	case errors.As(err, &local):
		return KindLocalIO
	case errors.As(err, &remote), errors.As(err, &status), errors.As(err, &openChan):
		return KindProtocol
	default:
		return KindTransport
	}
}

func classifyHandshake(err error) Kind {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return KindAuthentication
	}
	return KindProtocol
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// authMethod builds the SSH auth method for a. The returned release func
// closes resources the method needs during the handshake.
func authMethod(a config.AuthMethod) (ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch a := a.(type) {
	case config.AgentAuth:
		signer, conn, err := agentSigner()
		if err != nil {
			return nil, noop, err
		}
		return ssh.PublicKeys(signer), func() { conn.Close() }, nil
	case config.PasswordAuth:
		return ssh.Password(a.Password), noop, nil
	case config.PubkeyAuth:
		signer, err := parsePrivateKey(a.KeyPath)
		if err != nil {
			return nil, noop, err
		}
		return ssh.PublicKeys(signer), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported auth method %v", a)
	}
}

// agentSigner returns the first identity of the agent at SSH_AUTH_SOCK and
// the agent connection, which must stay open until the handshake is done.
func agentSigner() (ssh.Signer, net.Conn, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to get signers from agent: %w", err)
	}
	if len(signers) == 0 {
		conn.Close()
		return nil, nil, errors.New("no identities available in ssh-agent")
	}

	return signers[0], conn, nil
}

func parsePrivateKey(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}
	return signer, nil
}

type localWriter struct{ w io.Writer }

func (lw localWriter) Write(p []byte) (int, error) {
	n, err := lw.w.Write(p)
	if err != nil {
		err = &localError{err}
	}
	return n, err
}

type localReader struct{ r io.Reader }

func (lr localReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err != nil && err != io.EOF {
		err = &localError{err}
	}
	return n, err
}
